package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cascade", "bogus"}, &out, &errOut)
	require.Equal(t, 2, code)
	require.Contains(t, errOut.String(), "unknown command")
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cascade", "version"}, &out, &errOut)
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), "cascade")
}

func TestValidateAcceptsGoodDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "name": "watch", "namespace": "prod",
	  "nodes": [{"id": "track", "type": "process", "listens_to": ["reaction.executed"]}]
	}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"cascade", "validate", path}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "ok")
}

func TestValidateRejectsBadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "watch"}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"cascade", "validate", path}, &out, &errOut)
	require.Equal(t, 1, code)
}

func TestValidateMissingFile(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cascade", "validate", filepath.Join(t.TempDir(), "nope.json")}, &out, &errOut)
	require.Equal(t, 1, code)
}
