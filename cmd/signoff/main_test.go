package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"signoff"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Usage:")

	out.Reset()
	code = Run([]string{"signoff", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "keygen")

	code = Run([]string{"signoff", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
}

func TestRunKeygen(t *testing.T) {
	dir := t.TempDir()
	private := filepath.Join(dir, "key.pem")
	public := filepath.Join(dir, "key.pub.pem")

	var out, errOut bytes.Buffer
	code := Run([]string{"signoff", "keygen", "-private", private, "-public", public}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), private)

	raw, err := os.ReadFile(private)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "PRIVATE KEY"))

	raw, err = os.ReadFile(public)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "PUBLIC KEY"))
}

func TestRunServeBadConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"signoff", "serve", "-config", filepath.Join(t.TempDir(), "missing.yaml")}, &out, &errOut)
	assert.Equal(t, 1, code)
}
