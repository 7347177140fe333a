package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoped_MostSpecificWins(t *testing.T) {
	s := New(map[string]string{
		"signer.signer_backend":             "local_ecdsa",
		"signer.stage.signer_backend":       "autograph",
		"signer.stage.certs.signer_backend": "local_ecdsa",
	})

	v, ok := s.Scoped("signer_backend", "stage", "certs")
	require.True(t, ok)
	assert.Equal(t, "local_ecdsa", v)

	v, _ = s.Scoped("signer_backend", "stage", "other")
	assert.Equal(t, "autograph", v)

	v, _ = s.Scoped("signer_backend", "elsewhere", "cid")
	assert.Equal(t, "local_ecdsa", v)
}

func TestScoped_SingleKnobOverride(t *testing.T) {
	// A collection overrides one option and inherits the rest.
	s := New(map[string]string{
		"signer.autograph.server_url":       "https://global.example.com",
		"signer.autograph.hawk_id":          "global-id",
		"signer.stage.certs.autograph.hawk_id": "certs-id",
	})

	assert.Equal(t, "https://global.example.com",
		s.ScopedDefault("autograph.server_url", "stage", "certs", ""))
	assert.Equal(t, "certs-id",
		s.ScopedDefault("autograph.hawk_id", "stage", "certs", ""))
}

func TestScopedDefault_Fallback(t *testing.T) {
	s := New(nil)
	assert.Equal(t, "editors", s.ScopedDefault("editors_group", "stage", "cid", "editors"))
}

func TestScopedBool(t *testing.T) {
	s := New(map[string]string{
		"signer.to_review_enabled":       "true",
		"signer.stage.to_review_enabled": "false",
		"signer.group_check_enabled":     "nonsense",
	})

	assert.True(t, s.ScopedBool("to_review_enabled", "other", "cid", false))
	assert.False(t, s.ScopedBool("to_review_enabled", "stage", "cid", true))
	assert.True(t, s.ScopedBool("group_check_enabled", "b", "c", true))
	assert.False(t, s.ScopedBool("missing", "b", "c", false))
}

func TestLoadFile_FlattensNestedMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signoff.yaml")
	content := `
signer.resources: "/buckets/stage;/buckets/prod"
signer:
  to_review_enabled: true
  stage:
    editors_group: "best-editors"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)

	v, ok := s.Get("signer.resources")
	require.True(t, ok)
	assert.Equal(t, "/buckets/stage;/buckets/prod", v)

	assert.True(t, s.ScopedBool("to_review_enabled", "", "", false))
	assert.Equal(t, "best-editors", s.ScopedDefault("editors_group", "stage", "cid", "editors"))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
