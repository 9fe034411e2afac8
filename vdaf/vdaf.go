package vdaf

import (
	"errors"
	"fmt"
)

var (
	// ErrVerifyFailed means the combined prepare shares did not verify.
	ErrVerifyFailed = errors.New("vdaf: verification failed")
	// ErrMalformed means an encoded share, state or message could not be parsed.
	ErrMalformed = errors.New("vdaf: malformed input")
	// ErrUnexpectedMessage means a transition was fed a message the state
	// cannot accept.
	ErrUnexpectedMessage = errors.New("vdaf: unexpected message for state")
)

// NonceSize is the length of the per-report nonce (the report id).
const NonceSize = 16

// Transition is the result of feeding a prepare message to a prepare state.
// Exactly one of OutputShare (finished) or State+Share (continued) is set.
type Transition struct {
	Finished    bool
	OutputShare []byte
	State       []byte
	Share       []byte
}

// Vdaf is the capability the aggregation engine needs from a verifiable
// distributed aggregation function. All states, shares and messages are
// opaque byte strings so that they can be checkpointed.
type Vdaf interface {
	Name() string
	// Rounds is the number of prepare rounds.
	Rounds() int
	VerifyKeySize() int

	// Shard splits a measurement into a public share and one input share
	// per aggregator (leader first).
	Shard(measurement uint64, nonce [NonceSize]byte) (publicShare []byte, inputShares [2][]byte, err error)

	// PrepareInit produces the initial prepare state and share for one
	// aggregator.
	PrepareInit(verifyKey []byte, aggID int, aggParam []byte, nonce [NonceSize]byte,
		publicShare, inputShare []byte) (state []byte, share []byte, err error)
	// PrepareSharesToMessage combines both aggregators' shares for a round.
	// Shares are ordered leader first.
	PrepareSharesToMessage(aggParam []byte, shares [2][]byte) ([]byte, error)
	// PrepareNext advances a prepare state with the round's message.
	PrepareNext(state []byte, msg []byte) (Transition, error)

	// AggregateInit returns the empty aggregate share.
	AggregateInit(aggParam []byte) []byte
	// Merge adds an output share (or another aggregate share) into agg. Empty
	// inputs count as zero.
	Merge(agg []byte, share []byte) ([]byte, error)
	// Unshard combines both aggregators' aggregate shares into the result.
	Unshard(aggParam []byte, aggShares [2][]byte, numMeasurements uint64) (uint64, error)
}

// Config names a VDAF instance in task configuration.
type Config struct {
	Type string `json:"type" yaml:"type"`
}

const (
	TypeCount = "count"
)

// New returns the VDAF described by cfg.
func New(cfg Config) (Vdaf, error) {
	switch cfg.Type {
	case TypeCount:
		return NewCount(), nil
	}
	return nil, fmt.Errorf("unsupported vdaf %q", cfg.Type)
}
