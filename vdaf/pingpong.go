package vdaf

import (
	"fmt"

	"github.com/flashbots/dapagg/protocol"
)

// PingPongState is an aggregator's checkpointable position in the two-party
// preparation exchange.
type PingPongState struct {
	Finished    bool
	OutputShare []byte
	PrepState   []byte
}

// LeaderInitialized starts preparation on the leader.
func LeaderInitialized(v Vdaf, verifyKey, aggParam []byte, nonce [NonceSize]byte,
	publicShare, inputShare []byte) (PingPongState, protocol.PingPongMessage, error) {
	state, share, err := v.PrepareInit(verifyKey, 0, aggParam, nonce, publicShare, inputShare)
	if err != nil {
		return PingPongState{}, protocol.PingPongMessage{}, err
	}
	return PingPongState{PrepState: state},
		protocol.PingPongMessage{Type: protocol.PingPongInitialize, PrepShare: share}, nil
}

// HelperInitialized starts preparation on the helper from the leader's
// initialize message, returning the helper's state and outbound message.
func HelperInitialized(v Vdaf, verifyKey, aggParam []byte, nonce [NonceSize]byte,
	publicShare, inputShare []byte, inbound protocol.PingPongMessage) (PingPongState, *protocol.PingPongMessage, error) {
	if inbound.Type != protocol.PingPongInitialize {
		return PingPongState{}, nil, fmt.Errorf("%w: helper got %q", ErrUnexpectedMessage, inbound.Type)
	}
	state, share, err := v.PrepareInit(verifyKey, 1, aggParam, nonce, publicShare, inputShare)
	if err != nil {
		return PingPongState{}, nil, err
	}
	msg, err := v.PrepareSharesToMessage(aggParam, [2][]byte{inbound.PrepShare, share})
	if err != nil {
		return PingPongState{}, nil, err
	}
	return transition(v, state, msg)
}

// Continued advances a non-finished state with the peer's message. isLeader
// orders prepare shares when combining. A nil outbound message means the
// exchange is over for this aggregator.
func Continued(v Vdaf, aggParam []byte, isLeader bool, st PingPongState,
	inbound protocol.PingPongMessage) (PingPongState, *protocol.PingPongMessage, error) {
	if st.Finished {
		return PingPongState{}, nil, fmt.Errorf("%w: state already finished", ErrUnexpectedMessage)
	}
	t, err := v.PrepareNext(st.PrepState, inbound.PrepMsg)
	if err != nil {
		return PingPongState{}, nil, err
	}

	switch inbound.Type {
	case protocol.PingPongFinish:
		if !t.Finished {
			return PingPongState{}, nil, fmt.Errorf("%w: finish message but preparation continues", ErrUnexpectedMessage)
		}
		return PingPongState{Finished: true, OutputShare: t.OutputShare}, nil, nil

	case protocol.PingPongContinue:
		if t.Finished {
			return PingPongState{}, nil, fmt.Errorf("%w: continue message but preparation finished", ErrUnexpectedMessage)
		}
		shares := [2][]byte{t.Share, inbound.PrepShare}
		if !isLeader {
			shares = [2][]byte{inbound.PrepShare, t.Share}
		}
		msg, err := v.PrepareSharesToMessage(aggParam, shares)
		if err != nil {
			return PingPongState{}, nil, err
		}
		return transition(v, t.State, msg)
	}
	return PingPongState{}, nil, fmt.Errorf("%w: %q", ErrUnexpectedMessage, inbound.Type)
}

// transition applies a freshly computed prepare message to our own state and
// produces the message to send to the peer.
func transition(v Vdaf, state, msg []byte) (PingPongState, *protocol.PingPongMessage, error) {
	t, err := v.PrepareNext(state, msg)
	if err != nil {
		return PingPongState{}, nil, err
	}
	if t.Finished {
		return PingPongState{Finished: true, OutputShare: t.OutputShare},
			&protocol.PingPongMessage{Type: protocol.PingPongFinish, PrepMsg: msg}, nil
	}
	return PingPongState{PrepState: t.State},
		&protocol.PingPongMessage{Type: protocol.PingPongContinue, PrepMsg: msg, PrepShare: t.Share}, nil
}
