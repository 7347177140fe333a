package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signoff/pkg/config"
	"github.com/Mindburn-Labs/signoff/pkg/engine"
	"github.com/Mindburn-Labs/signoff/pkg/resources"
	"github.com/Mindburn-Labs/signoff/pkg/signer"
	"github.com/Mindburn-Labs/signoff/pkg/updater"
	"github.com/Mindburn-Labs/signoff/pkg/workflow"
)

type stubSigner struct{ err error }

func (s *stubSigner) Sign(context.Context, []byte) (signer.Bundle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return signer.Bundle{
		"signature":          "sig",
		"hash_algorithm":     "sha384",
		"signature_encoding": "rs_base64url",
		"x5u":                "",
	}, nil
}

func (s *stubSigner) Verify(context.Context, []byte, signer.Bundle) error { return nil }

func newTestHandler(t *testing.T, signerErr error) *Handler {
	t.Helper()
	m, err := resources.Parse("/buckets/stage/collections/certs -> /buckets/prod/collections/certs")
	require.NoError(t, err)

	registry := signer.NewRegistry()
	registry.Set("/buckets/stage/collections/certs", &stubSigner{err: signerErr})

	return NewHandler(&engine.Engine{
		Settings:  config.New(map[string]string{"signer.to_review_enabled": "true"}),
		Resources: m,
		Signers:   registry,
	})
}

func TestCapabilitiesEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := http.NewServeMux()
	h.Routes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capabilities", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, true, doc["to_review_enabled"])
	res := doc["resources"].([]any)
	require.Len(t, res, 1)
	src := res[0].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, "stage", src["bucket"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/capabilities", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	h.Heartbeat(rec, httptest.NewRequest(http.MethodGet, "/__heartbeat__", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])

	h = newTestHandler(t, errors.New("keys unreadable"))
	rec = httptest.NewRecorder()
	h.Heartbeat(rec, httptest.NewRequest(http.MethodGet, "/__heartbeat__", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWriteWorkflowError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteWorkflowError(rec, &workflow.Rejection{Code: http.StatusForbidden, Message: "Not in reviewers group"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Forbidden", problem.Title)
	assert.Equal(t, "Not in reviewers group", problem.Detail)

	rec = httptest.NewRecorder()
	WriteWorkflowError(rec, signer.ErrUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// A mirror refused for backend clock skew is the caller's 400, not a 500.
	rec = httptest.NewRecorder()
	WriteWorkflowError(rec, fmt.Errorf("mirror records: %w", updater.ErrBackendSkew))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	WriteWorkflowError(rec, errors.New("disk full"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
