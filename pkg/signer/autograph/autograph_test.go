package autograph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signoff/pkg/signer"
)

func TestSign_PostsBase64PayloadWithHawkAuth(t *testing.T) {
	var gotAuth string
	var gotBody []signRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sign/data", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"signature":"abc","x5u":"https://example.net/chain.pem","mode":"p384ecdsa"}]`))
	}))
	defer server.Close()

	s, err := New(server.URL, "alice", "secret")
	require.NoError(t, err)

	bundle, err := s.Sign(context.Background(), []byte("test data"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotAuth, `Hawk id="alice"`), "authorization header: %s", gotAuth)
	require.Len(t, gotBody, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("test data")), gotBody[0].Input)
	assert.Equal(t, "content-signature", gotBody[0].Template)
	assert.Equal(t, "sha384", gotBody[0].HashWith)

	// Bundle is returned verbatim, with missing fields coerced.
	assert.Equal(t, "abc", bundle.String("signature"))
	assert.Equal(t, "p384ecdsa", bundle.String("mode"))
	assert.Equal(t, "rs_base64url", bundle.String("signature_encoding"))
	assert.Equal(t, "sha384", bundle.String("hash_algorithm"))
}

func TestSign_ServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	s, err := New(server.URL, "alice", "secret")
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), []byte("test data"))
	assert.ErrorIs(t, err, signer.ErrUnavailable)
}

func TestSign_UnreachableServerIsUnavailable(t *testing.T) {
	s, err := New("http://127.0.0.1:1", "alice", "secret")
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), []byte("test data"))
	assert.ErrorIs(t, err, signer.ErrUnavailable)
}

func TestNew_RequiresAllParameters(t *testing.T) {
	_, err := New("http://localhost", "", "secret")
	assert.Error(t, err)
}

func TestVerify_WithoutKeyIsAnError(t *testing.T) {
	s, err := New("http://localhost", "alice", "secret")
	require.NoError(t, err)
	assert.Error(t, s.Verify(context.Background(), []byte("x"), signer.Bundle{"signature": "abc"}))
}

func TestHeartbeat_ChecksMandatoryKeys(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"signature":"abc","x5u":"https://example.net/chain.pem"}]`))
	}))
	defer server.Close()

	s, err := New(server.URL, "alice", "secret")
	require.NoError(t, err)
	assert.True(t, signer.Heartbeat(context.Background(), s))

	down, err := New("http://127.0.0.1:1", "alice", "secret")
	require.NoError(t, err)
	assert.False(t, signer.Heartbeat(context.Background(), down))
}
