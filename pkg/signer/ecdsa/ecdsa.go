// Package ecdsa implements the local content-signature backend: NIST P-384,
// SHA-384, raw r||s signatures over a "Content-Signature:\x00"-prefixed
// payload. Keys live in PEM files and are reloaded on every operation so a
// key roll needs no process restart.
package ecdsa

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/Mindburn-Labs/signoff/pkg/signer"
)

// signaturePrefix is prepended to every payload before hashing, matching the
// Content-Signature specification.
var signaturePrefix = []byte("Content-Signature:\x00")

const componentSize = 48 // P-384 coordinate size in bytes

// Signer signs with a P-384 key loaded from PEM files. At least one of
// PrivateKeyPath and PublicKeyPath must be set; verification works with
// either, signing needs the private key.
type Signer struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// X5U is advertised in the bundle; usually empty for local keys.
	X5U string
}

// New validates the key configuration.
func New(privateKeyPath, publicKeyPath string) (*Signer, error) {
	if privateKeyPath == "" && publicKeyPath == "" {
		return nil, errors.New("ecdsa: specify a private_key or public_key location")
	}
	return &Signer{PrivateKeyPath: privateKeyPath, PublicKeyPath: publicKeyPath}, nil
}

// Sign implements signer.Signer.
func (s *Signer) Sign(ctx context.Context, payload []byte) (signer.Bundle, error) {
	priv, err := s.loadPrivateKey()
	if err != nil {
		return nil, err
	}

	digest := sha512.Sum384(append(append([]byte{}, signaturePrefix...), payload...))
	r, sv, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa: sign failed: %w", err)
	}

	sig := base64.StdEncoding.EncodeToString(encodeRS(r, sv))
	return signer.Bundle{
		"signature":          sig,
		"hash_algorithm":     "sha384",
		"signature_encoding": "rs_base64",
		"x5u":                s.X5U,
		"content-signature":  fmt.Sprintf("x5u=%s;p384ecdsa=%s", s.X5U, sig),
	}, nil
}

// Verify implements signer.Signer. Unknown hash algorithms or encodings are
// plain errors; a signature mismatch wraps signer.ErrBadSignature.
func (s *Signer) Verify(ctx context.Context, payload []byte, bundle signer.Bundle) error {
	sig := bundle.String("signature")
	if sig == "" {
		return errors.New("ecdsa: bundle has no signature")
	}
	if alg := bundle.String("hash_algorithm"); alg != "sha384" {
		return fmt.Errorf("ecdsa: unsupported hash_algorithm: %s", alg)
	}

	var raw []byte
	var err error
	switch enc := bundle.String("signature_encoding"); enc {
	case "rs_base64":
		raw, err = base64.StdEncoding.DecodeString(sig)
	case "rs_base64url":
		raw, err = decodeBase64URL(sig)
	default:
		return fmt.Errorf("ecdsa: unsupported signature_encoding: %s", enc)
	}
	if err != nil {
		return fmt.Errorf("ecdsa: undecodable signature: %w", err)
	}
	if len(raw) != 2*componentSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", signer.ErrBadSignature, len(raw), 2*componentSize)
	}

	pub, err := s.loadPublicKey()
	if err != nil {
		return err
	}

	digest := sha512.Sum384(append(append([]byte{}, signaturePrefix...), payload...))
	r := new(big.Int).SetBytes(raw[:componentSize])
	sv := new(big.Int).SetBytes(raw[componentSize:])
	if !ecdsa.Verify(pub, digest[:], r, sv) {
		return fmt.Errorf("%w: p384ecdsa mismatch", signer.ErrBadSignature)
	}
	return nil
}

// GenerateKeypair writes a fresh P-384 keypair as PKCS#8/PKIX PEM files.
func GenerateKeypair(privateKeyPath, publicKeyPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("ecdsa: keygen failed: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privateKeyPath, privPEM, 0o600); err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return os.WriteFile(publicKeyPath, pubPEM, 0o644)
}

func (s *Signer) loadPrivateKey() (*ecdsa.PrivateKey, error) {
	if s.PrivateKeyPath == "" {
		return nil, errors.New("ecdsa: specify the private_key location")
	}
	raw, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ecdsa: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("ecdsa: private key is not PEM")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("ecdsa: private key is not ECDSA")
		}
		return checkCurve(priv)
	}
	// Legacy SEC1 "EC PRIVATE KEY" files.
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ecdsa: parse private key: %w", err)
	}
	return checkCurve(priv)
}

func (s *Signer) loadPublicKey() (*ecdsa.PublicKey, error) {
	if s.PrivateKeyPath != "" {
		priv, err := s.loadPrivateKey()
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	}

	raw, err := os.ReadFile(s.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ecdsa: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("ecdsa: public key is not PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ecdsa: parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("ecdsa: public key is not ECDSA")
	}
	if pub.Curve != elliptic.P384() {
		return nil, errors.New("ecdsa: public key is not P-384")
	}
	return pub, nil
}

func checkCurve(priv *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if priv.Curve != elliptic.P384() {
		return nil, errors.New("ecdsa: private key is not P-384")
	}
	return priv, nil
}

// encodeRS renders r||s with each component left-padded to 48 bytes.
func encodeRS(r, s *big.Int) []byte {
	out := make([]byte, 2*componentSize)
	r.FillBytes(out[:componentSize])
	s.FillBytes(out[componentSize:])
	return out
}

// decodeBase64URL accepts both padded and unpadded url-safe base64, which
// remote signers emit inconsistently.
func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
