package ecdsa

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signoff/pkg/signer"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	dir := t.TempDir()
	priv := filepath.Join(dir, "priv.pem")
	pub := filepath.Join(dir, "pub.pem")
	require.NoError(t, GenerateKeypair(priv, pub))
	s, err := New(priv, pub)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresAKey(t *testing.T) {
	_, err := New("", "")
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	payload := []byte(`{"data":[],"last_modified":"42"}`)
	bundle, err := s.Sign(ctx, payload)
	require.NoError(t, err)

	assert.Equal(t, "sha384", bundle.String("hash_algorithm"))
	assert.Equal(t, "rs_base64", bundle.String("signature_encoding"))
	assert.Equal(t, "x5u=;p384ecdsa="+bundle.String("signature"), bundle.String("content-signature"))

	require.NoError(t, s.Verify(ctx, payload, bundle))
}

func TestVerify_TamperedPayload(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	bundle, err := s.Sign(ctx, []byte("some content"))
	require.NoError(t, err)

	err = s.Verify(ctx, []byte("some OTHER content"), bundle)
	assert.ErrorIs(t, err, signer.ErrBadSignature)
}

func TestVerify_Base64URLEncoding(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	bundle, err := s.Sign(ctx, []byte("payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(bundle.String("signature"))
	require.NoError(t, err)
	bundle["signature"] = base64.RawURLEncoding.EncodeToString(raw)
	bundle["signature_encoding"] = "rs_base64url"

	assert.NoError(t, s.Verify(ctx, []byte("payload"), bundle))
}

func TestVerify_RejectsUnknownParameters(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	bundle, err := s.Sign(ctx, []byte("payload"))
	require.NoError(t, err)

	tampered := signer.Bundle{
		"signature":          bundle["signature"],
		"hash_algorithm":     "md5",
		"signature_encoding": "rs_base64",
	}
	err = s.Verify(ctx, []byte("payload"), tampered)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, signer.ErrBadSignature))

	tampered = signer.Bundle{
		"signature":          bundle["signature"],
		"hash_algorithm":     "sha384",
		"signature_encoding": "base64",
	}
	assert.Error(t, s.Verify(ctx, []byte("payload"), tampered))
}

func TestVerify_PublicKeyOnly(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "priv.pem")
	pub := filepath.Join(dir, "pub.pem")
	require.NoError(t, GenerateKeypair(priv, pub))

	signing, err := New(priv, "")
	require.NoError(t, err)
	verifying, err := New("", pub)
	require.NoError(t, err)

	ctx := context.Background()
	bundle, err := signing.Sign(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.NoError(t, verifying.Verify(ctx, []byte("payload"), bundle))

	_, err = verifying.Sign(ctx, []byte("payload"))
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	s := newTestSigner(t)
	assert.True(t, signer.Heartbeat(context.Background(), s))

	broken := &Signer{PrivateKeyPath: filepath.Join(t.TempDir(), "missing.pem")}
	assert.False(t, signer.Heartbeat(context.Background(), broken))
}
