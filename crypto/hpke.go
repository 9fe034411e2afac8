package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Algorithm identifiers from RFC 9180. Only the X25519/HKDF-SHA256/
// ChaCha20Poly1305 suite is implemented.
const (
	KemX25519HkdfSha256  uint16 = 0x0020
	KdfHkdfSha256        uint16 = 0x0001
	AeadChaCha20Poly1305 uint16 = 0x0003
)

var (
	ErrUnsupportedSuite = errors.New("unsupported HPKE suite")
	ErrDecrypt          = errors.New("HPKE decryption failed")
)

// HpkeConfig is a public HPKE configuration advertised by an aggregator or
// collector.
type HpkeConfig struct {
	ID        uint8  `json:"id" yaml:"id"`
	KemID     uint16 `json:"kem_id" yaml:"kem_id"`
	KdfID     uint16 `json:"kdf_id" yaml:"kdf_id"`
	AeadID    uint16 `json:"aead_id" yaml:"aead_id"`
	PublicKey []byte `json:"public_key" yaml:"public_key"`
}

// HpkeKeypair is an HpkeConfig plus the matching private key.
type HpkeKeypair struct {
	Config     HpkeConfig `json:"config" yaml:"config"`
	PrivateKey []byte     `json:"private_key" yaml:"private_key"`
}

// HpkeCiphertext is a sealed message addressed to the config with ConfigID.
type HpkeCiphertext struct {
	ConfigID        uint8  `json:"config_id"`
	EncapsulatedKey []byte `json:"encapsulated_key"`
	Payload         []byte `json:"payload"`
}

// GenerateHpkeKeypair creates a fresh X25519 keypair under the given config id.
func GenerateHpkeKeypair(id uint8) (*HpkeKeypair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &HpkeKeypair{
		Config: HpkeConfig{
			ID:        id,
			KemID:     KemX25519HkdfSha256,
			KdfID:     KdfHkdfSha256,
			AeadID:    AeadChaCha20Poly1305,
			PublicKey: pub,
		},
		PrivateKey: priv,
	}, nil
}

func (c *HpkeConfig) checkSuite() error {
	if c.KemID != KemX25519HkdfSha256 || c.KdfID != KdfHkdfSha256 || c.AeadID != AeadChaCha20Poly1305 {
		return fmt.Errorf("%w: kem=%d kdf=%d aead=%d", ErrUnsupportedSuite, c.KemID, c.KdfID, c.AeadID)
	}
	if len(c.PublicKey) != curve25519.PointSize {
		return fmt.Errorf("%w: public key of %d bytes", ErrUnsupportedSuite, len(c.PublicKey))
	}
	return nil
}

// deriveKeyNonce expands the DH output into an AEAD key and nonce, binding the
// encapsulated key, the recipient key and the application info.
func deriveKeyNonce(shared, enc, recipient, info []byte) ([]byte, []byte, error) {
	salt := append(append([]byte{}, enc...), recipient...)
	r := hkdf.New(sha256.New, shared, salt, info)
	out := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if _, err := r.Read(out); err != nil {
		return nil, nil, err
	}
	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}

// Seal encrypts plaintext to the config's public key.
func Seal(cfg *HpkeConfig, info, aad, plaintext []byte) (*HpkeCiphertext, error) {
	if err := cfg.checkSuite(); err != nil {
		return nil, err
	}
	ephemeral := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, err
	}
	enc, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeral, cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key, nonce, err := deriveKeyNonce(shared, enc, cfg.PublicKey, info)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &HpkeCiphertext{
		ConfigID:        cfg.ID,
		EncapsulatedKey: enc,
		Payload:         aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Open decrypts a ciphertext with the keypair. Any failure yields ErrDecrypt.
func Open(kp *HpkeKeypair, info, aad []byte, ct *HpkeCiphertext) ([]byte, error) {
	if err := kp.Config.checkSuite(); err != nil {
		return nil, err
	}
	if ct.ConfigID != kp.Config.ID {
		return nil, fmt.Errorf("%w: config id %d, keypair %d", ErrDecrypt, ct.ConfigID, kp.Config.ID)
	}
	shared, err := curve25519.X25519(kp.PrivateKey, ct.EncapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	key, nonce, err := deriveKeyNonce(shared, ct.EncapsulatedKey, kp.Config.PublicKey, info)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct.Payload, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
