// Package autograph implements the remote content-signature backend: a
// HAWK-authenticated POST to an Autograph server's /sign/data endpoint. The
// returned bundle is stored verbatim, with the encoding and hash fields
// coerced to their documented defaults when the server omits them.
package autograph

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hiyosi/hawk"

	"github.com/Mindburn-Labs/signoff/pkg/signer"
)

const signPath = "/sign/data"

// Signer posts payloads to an Autograph server.
type Signer struct {
	ServerURL  string
	HawkID     string
	HawkSecret string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// VerifyWith optionally delegates Verify to a local backend holding the
	// signing certificate's public key. Without it Verify reports that
	// verification is not configured.
	VerifyWith signer.Signer
}

// New validates the connection parameters.
func New(serverURL, hawkID, hawkSecret string) (*Signer, error) {
	if serverURL == "" || hawkID == "" || hawkSecret == "" {
		return nil, errors.New("autograph: server_url, hawk_id and hawk_secret are required")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("autograph: invalid server_url: %w", err)
	}
	return &Signer{ServerURL: serverURL, HawkID: hawkID, HawkSecret: hawkSecret}, nil
}

type signRequest struct {
	Input    string `json:"input"`
	Template string `json:"template"`
	HashWith string `json:"hashwith"`
}

// Sign implements signer.Signer. Transport and HTTP-status failures wrap
// signer.ErrUnavailable so the engine can answer 503.
func (s *Signer) Sign(ctx context.Context, payload []byte) (signer.Bundle, error) {
	body, err := json.Marshal([]signRequest{{
		Input:    base64.StdEncoding.EncodeToString(payload),
		Template: "content-signature",
		HashWith: "sha384",
	}})
	if err != nil {
		return nil, err
	}

	endpoint, err := url.JoinPath(s.ServerURL, signPath)
	if err != nil {
		return nil, fmt.Errorf("autograph: bad endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	auth, err := s.hawkHeader(http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("autograph: hawk header: %w", err)
	}
	req.Header.Set("Authorization", auth)

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signer.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: %s returned %d: %s", signer.ErrUnavailable, signPath, resp.StatusCode, snippet)
	}

	var bundles []signer.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundles); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", signer.ErrUnavailable, err)
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w: empty response", signer.ErrUnavailable)
	}

	bundle := bundles[0]
	if _, ok := bundle["signature_encoding"]; !ok {
		bundle["signature_encoding"] = "rs_base64url"
	}
	if _, ok := bundle["hash_algorithm"]; !ok {
		bundle["hash_algorithm"] = "sha384"
	}
	if _, ok := bundle["x5u"]; !ok {
		bundle["x5u"] = ""
	}
	return bundle, nil
}

// Verify implements signer.Signer by delegating to VerifyWith.
func (s *Signer) Verify(ctx context.Context, payload []byte, bundle signer.Bundle) error {
	if s.VerifyWith == nil {
		return errors.New("autograph: no public key configured for verification")
	}
	return s.VerifyWith.Verify(ctx, payload, bundle)
}

func (s *Signer) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (s *Signer) hawkHeader(method, uri string, body []byte) (string, error) {
	nonce := make([]byte, 6)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	client := hawk.NewClient(
		&hawk.Credential{ID: s.HawkID, Key: s.HawkSecret, Alg: hawk.SHA256},
		&hawk.Option{
			TimeStamp:   time.Now().Unix(),
			Nonce:       hex.EncodeToString(nonce),
			ContentType: "application/json",
			Payload:     string(body),
		},
	)
	return client.Header(method, uri)
}
