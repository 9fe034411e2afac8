// Package crypto provides the primitives the aggregators, clients and
// collectors share:
//
//   - HPKE (RFC 9180, base mode) for input shares and aggregate shares
//   - arithmetic over the 128-bit prime field the VDAF shares live in
//
// Only one HPKE suite is supported: DHKEM(X25519, HKDF-SHA256),
// HKDF-SHA256 and ChaCha20Poly1305. Configs naming other algorithms are
// rejected by Seal.
//
// Note: field arithmetic uses math/big and is not constant-time.
//
// # Fields
//
// Elements encode as fixed-size big-endian integers (FieldElementSize bytes),
// and vectors as their concatenation. DecodeFieldVector rejects elements that
// are not reduced.
package crypto
