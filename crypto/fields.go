package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// FieldOrder is the 128-bit prime 2^66 * 4611686018427387897 + 1 used for
// VDAF shares.
var FieldOrder *big.Int

// FieldElementSize is the encoded size of one field element in bytes.
const FieldElementSize = 16

var errFieldElementRange = errors.New("field element out of range")

func init() {
	FieldOrder, _ = big.NewInt(0).SetString("340282366920938462946865773367900766209", 10)
}

// FieldAddInplace performs modular addition in-place: l = (l + r) mod fieldOrder.
// The result is stored in l and also returned.
func FieldAddInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Add(l, r)
	if l.Cmp(fieldOrder) >= 0 {
		l.Sub(l, fieldOrder)
	}
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}

// FieldSubInplace performs modular subtraction in-place: l = (l - r) mod fieldOrder.
// The result is stored in l and also returned.
func FieldSubInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Sub(l, r)
	if l.Cmp(fieldOrder) >= 0 {
		l.Sub(l, fieldOrder)
	}
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}

// FieldMulInplace performs modular multiplication in-place: l = (l * r) mod fieldOrder.
func FieldMulInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Mul(l, r)
	return l.Mod(l, fieldOrder)
}

// FieldRandom samples a uniform element of the field.
func FieldRandom(fieldOrder *big.Int) (*big.Int, error) {
	return rand.Int(rand.Reader, fieldOrder)
}

// FieldFromBytes maps arbitrary bytes into the field by reduction.
func FieldFromBytes(b []byte, fieldOrder *big.Int) *big.Int {
	v := new(big.Int).SetBytes(b)
	return v.Mod(v, fieldOrder)
}

// EncodeFieldVector encodes elements as fixed-width big-endian bytes.
func EncodeFieldVector(elems []*big.Int) []byte {
	out := make([]byte, len(elems)*FieldElementSize)
	for i, e := range elems {
		e.FillBytes(out[i*FieldElementSize : (i+1)*FieldElementSize])
	}
	return out
}

// DecodeFieldVector reverses EncodeFieldVector, checking each element is
// reduced and the length is exactly n elements.
func DecodeFieldVector(data []byte, n int, fieldOrder *big.Int) ([]*big.Int, error) {
	if len(data) != n*FieldElementSize {
		return nil, errors.New("field vector has wrong length")
	}
	out := make([]*big.Int, n)
	for i := range out {
		v := new(big.Int).SetBytes(data[i*FieldElementSize : (i+1)*FieldElementSize])
		if v.Cmp(fieldOrder) >= 0 {
			return nil, errFieldElementRange
		}
		out[i] = v
	}
	return out, nil
}
