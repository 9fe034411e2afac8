package vdaf

import (
	"fmt"
	"math/big"

	"github.com/flashbots/dapagg/crypto"
	"golang.org/x/crypto/sha3"
)

// Count is a two-round VDAF over 0/1 measurements.
//
// Each input share holds additive shares of the measurement x and of two
// multiplication triples (a, b, c) and (a', b', c'). Round one opens
// d = x - a, e = x - b, rho = t*a - a' and sigma = b - b'. Round two opens
//
//	v = r*(x*x - x) + (t*c - c' - t*sigma*a - rho*b + rho*sigma)
//
// computed share-wise with the first triple, which is zero exactly when x is
// a bit and both triples are well formed (except with probability ~2/p). The
// challenges r and t are derived from the verify key and the nonce, so the
// client cannot predict them.
type Count struct {
	field *big.Int
}

// NewCount returns a Count VDAF over the 128-bit field.
func NewCount() *Count { return &Count{field: crypto.FieldOrder} }

const (
	countInputLen  = 7 // x, a, b, c, a', b', c'
	countRound0Len = 4 // d, e, rho, sigma
	countRound1Len = 1 // v
)

func (c *Count) Name() string       { return TypeCount }
func (c *Count) Rounds() int        { return 2 }
func (c *Count) VerifyKeySize() int { return 16 }

func (c *Count) Shard(measurement uint64, nonce [NonceSize]byte) ([]byte, [2][]byte, error) {
	var shares [2][]byte
	if measurement > 1 {
		return nil, shares, fmt.Errorf("count measurement must be 0 or 1, got %d", measurement)
	}
	rnd := func() (*big.Int, error) { return crypto.FieldRandom(c.field) }

	a, err := rnd()
	if err != nil {
		return nil, shares, err
	}
	b, err := rnd()
	if err != nil {
		return nil, shares, err
	}
	a2, err := rnd()
	if err != nil {
		return nil, shares, err
	}
	b2, err := rnd()
	if err != nil {
		return nil, shares, err
	}
	cc := crypto.FieldMulInplace(new(big.Int).Set(a), b, c.field)
	c2 := crypto.FieldMulInplace(new(big.Int).Set(a2), b2, c.field)

	plain := []*big.Int{new(big.Int).SetUint64(measurement), a, b, cc, a2, b2, c2}
	leader := make([]*big.Int, countInputLen)
	helper := make([]*big.Int, countInputLen)
	for i, v := range plain {
		h, err := rnd()
		if err != nil {
			return nil, shares, err
		}
		helper[i] = h
		leader[i] = crypto.FieldSubInplace(new(big.Int).Set(v), h, c.field)
	}
	shares[0] = crypto.EncodeFieldVector(leader)
	shares[1] = crypto.EncodeFieldVector(helper)
	return nil, shares, nil
}

// challenge derives a field element bound to the verify key, nonce and label.
func (c *Count) challenge(verifyKey []byte, nonce [NonceSize]byte, label string) *big.Int {
	h := sha3.New256()
	h.Write([]byte("dapagg count " + label))
	h.Write(verifyKey)
	h.Write(nonce[:])
	return crypto.FieldFromBytes(h.Sum(nil), c.field)
}

// countState is the checkpointable prepare state: round, aggregator id and
// the field elements the next step needs.
type countState struct {
	round int
	aggID int
	elems []*big.Int
}

func (c *Count) encodeState(s countState) []byte {
	return append([]byte{byte(s.round), byte(s.aggID)}, crypto.EncodeFieldVector(s.elems)...)
}

func (c *Count) decodeState(raw []byte) (countState, error) {
	if len(raw) < 2 {
		return countState{}, fmt.Errorf("%w: state too short", ErrMalformed)
	}
	s := countState{round: int(raw[0]), aggID: int(raw[1])}
	var n int
	switch s.round {
	case 0:
		n = countInputLen + 2 // input share plus r and t
	case 1:
		n = 1
	default:
		return countState{}, fmt.Errorf("%w: state round %d", ErrMalformed, s.round)
	}
	elems, err := crypto.DecodeFieldVector(raw[2:], n, c.field)
	if err != nil {
		return countState{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s.elems = elems
	return s, nil
}

func (c *Count) PrepareInit(verifyKey []byte, aggID int, aggParam []byte, nonce [NonceSize]byte,
	publicShare, inputShare []byte) ([]byte, []byte, error) {
	if len(verifyKey) != c.VerifyKeySize() {
		return nil, nil, fmt.Errorf("%w: verify key of %d bytes", ErrMalformed, len(verifyKey))
	}
	if aggID != 0 && aggID != 1 {
		return nil, nil, fmt.Errorf("%w: aggregator id %d", ErrMalformed, aggID)
	}
	if len(aggParam) != 0 || len(publicShare) != 0 {
		return nil, nil, fmt.Errorf("%w: count takes no aggregation parameter or public share", ErrMalformed)
	}
	in, err := crypto.DecodeFieldVector(inputShare, countInputLen, c.field)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	x, a, b, a2, b2 := in[0], in[1], in[2], in[4], in[5]
	r := c.challenge(verifyKey, nonce, "r")
	t := c.challenge(verifyKey, nonce, "t")

	d := crypto.FieldSubInplace(new(big.Int).Set(x), a, c.field)
	e := crypto.FieldSubInplace(new(big.Int).Set(x), b, c.field)
	rho := crypto.FieldMulInplace(new(big.Int).Set(t), a, c.field)
	crypto.FieldSubInplace(rho, a2, c.field)
	sigma := crypto.FieldSubInplace(new(big.Int).Set(b), b2, c.field)

	state := countState{round: 0, aggID: aggID, elems: append(in, r, t)}
	return c.encodeState(state), crypto.EncodeFieldVector([]*big.Int{d, e, rho, sigma}), nil
}

func (c *Count) PrepareSharesToMessage(aggParam []byte, shares [2][]byte) ([]byte, error) {
	var n int
	switch len(shares[0]) {
	case countRound0Len * crypto.FieldElementSize:
		n = countRound0Len
	case countRound1Len * crypto.FieldElementSize:
		n = countRound1Len
	default:
		return nil, fmt.Errorf("%w: prepare share of %d bytes", ErrMalformed, len(shares[0]))
	}
	l, err := crypto.DecodeFieldVector(shares[0], n, c.field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h, err := crypto.DecodeFieldVector(shares[1], n, c.field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i := range l {
		crypto.FieldAddInplace(l[i], h[i], c.field)
	}
	if n == countRound1Len && l[0].Sign() != 0 {
		return nil, ErrVerifyFailed
	}
	return crypto.EncodeFieldVector(l), nil
}

func (c *Count) PrepareNext(rawState []byte, msg []byte) (Transition, error) {
	s, err := c.decodeState(rawState)
	if err != nil {
		return Transition{}, err
	}
	switch s.round {
	case 0:
		opened, err := crypto.DecodeFieldVector(msg, countRound0Len, c.field)
		if err != nil {
			return Transition{}, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
		}
		d, e, rho, sigma := opened[0], opened[1], opened[2], opened[3]
		x, a, b, cc, c2 := s.elems[0], s.elems[1], s.elems[2], s.elems[3], s.elems[6]
		r, t := s.elems[7], s.elems[8]
		mul := func(u, w *big.Int) *big.Int { return crypto.FieldMulInplace(new(big.Int).Set(u), w, c.field) }

		// z = x*x via the first triple.
		z := new(big.Int).Set(cc)
		crypto.FieldAddInplace(z, mul(d, b), c.field)
		crypto.FieldAddInplace(z, mul(e, a), c.field)
		if s.aggID == 0 {
			crypto.FieldAddInplace(z, mul(d, e), c.field)
		}
		v := crypto.FieldSubInplace(z, x, c.field)
		v = crypto.FieldMulInplace(v, r, c.field)

		// Sacrifice the second triple against the first.
		crypto.FieldAddInplace(v, mul(t, cc), c.field)
		crypto.FieldSubInplace(v, c2, c.field)
		crypto.FieldSubInplace(v, mul(mul(t, sigma), a), c.field)
		crypto.FieldSubInplace(v, mul(rho, b), c.field)
		if s.aggID == 0 {
			crypto.FieldAddInplace(v, mul(rho, sigma), c.field)
		}

		next := countState{round: 1, aggID: s.aggID, elems: []*big.Int{x}}
		return Transition{State: c.encodeState(next), Share: crypto.EncodeFieldVector([]*big.Int{v})}, nil

	case 1:
		opened, err := crypto.DecodeFieldVector(msg, countRound1Len, c.field)
		if err != nil {
			return Transition{}, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
		}
		if opened[0].Sign() != 0 {
			return Transition{}, ErrVerifyFailed
		}
		return Transition{Finished: true, OutputShare: crypto.EncodeFieldVector(s.elems[:1])}, nil
	}
	return Transition{}, fmt.Errorf("%w: round %d", ErrMalformed, s.round)
}

func (c *Count) AggregateInit(aggParam []byte) []byte {
	return crypto.EncodeFieldVector([]*big.Int{new(big.Int)})
}

func (c *Count) Merge(agg []byte, share []byte) ([]byte, error) {
	if len(agg) == 0 {
		agg = c.AggregateInit(nil)
	}
	if len(share) == 0 {
		return agg, nil
	}
	l, err := crypto.DecodeFieldVector(agg, 1, c.field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r, err := crypto.DecodeFieldVector(share, 1, c.field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	crypto.FieldAddInplace(l[0], r[0], c.field)
	return crypto.EncodeFieldVector(l), nil
}

func (c *Count) Unshard(aggParam []byte, aggShares [2][]byte, numMeasurements uint64) (uint64, error) {
	total, err := c.Merge(aggShares[0], aggShares[1])
	if err != nil {
		return 0, err
	}
	v, err := crypto.DecodeFieldVector(total, 1, c.field)
	if err != nil {
		return 0, err
	}
	if !v[0].IsUint64() || v[0].Uint64() > numMeasurements {
		return 0, fmt.Errorf("count %v exceeds number of measurements %d", v[0], numMeasurements)
	}
	return v[0].Uint64(), nil
}
