package main

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callaudit/pkg/auth"
)

const callJSON = `[
  {"speaker": "Agent", "text": "please confirm your date of birth", "stime": 0, "etime": 5},
  {"speaker": "Customer", "text": "it's 1 1 1990, you idiot", "stime": 5, "etime": 8},
  {"speaker": "Agent", "text": "your balance is $500", "stime": 8, "etime": 12}
]`

// batchEnv points every configurable path into a temp directory.
func batchEnv(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "input")
	require.NoError(t, os.MkdirAll(filepath.Join(input, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(input, "call_1.json"), []byte(callJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(input, "nested", "call_2.json"), []byte(callJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(input, "broken.yaml"), []byte("just a string"), 0644))

	profanity := filepath.Join(root, "profanity.txt")
	require.NoError(t, os.WriteFile(profanity, []byte("idiot\n"), 0644))

	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_OUTPUT_FILE", filepath.Join(root, "callaudit.log"))
	t.Setenv("PROFANITY_PATTERNS_FILE", profanity)
	t.Setenv("VERIFICATION_PATTERNS_FILE", filepath.Join(root, "missing.txt"))
	t.Setenv("OUTPUT_DIR", filepath.Join(root, "results"))
	t.Setenv("STORAGE_ENABLED", "true")
	t.Setenv("STORAGE_PATH", filepath.Join(root, "data", "callaudit.db"))
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("AUDIT_PATH", filepath.Join(root, "data", "audit.jsonl"))
	t.Setenv("AMQP_URL", "")
	t.Setenv("HTTP_ENABLE_METRICS", "false")

	logger.SetOutput(io.Discard)
	return root, input
}

func TestRunBatchWritesResults(t *testing.T) {
	root, input := batchEnv(t)

	var stdout bytes.Buffer
	code := run([]string{"batch", "--input_dir", input, "--strict", "--json"}, &stdout)
	require.Equal(t, 0, code, stdout.String())
	assert.Contains(t, stdout.String(), "Skipping broken.yaml")

	results := filepath.Join(root, "results")
	file, err := os.Open(filepath.Join(results, "summary_strict.csv"))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"call_1", "No", "Yes", "Yes", "0.00%", "0.00%", "12.0s", "75.0%", "25.0%"}, rows[1])
	assert.Equal(t, "call_2", rows[2][0])

	assert.FileExists(t, filepath.Join(results, "details_strict.csv"))
	assert.FileExists(t, filepath.Join(results, "reports.json"))
	assert.FileExists(t, filepath.Join(root, "data", "callaudit.db"))

	stdout.Reset()
	code = run([]string{"verify-audit", "--path", filepath.Join(root, "data", "audit.jsonl")}, &stdout)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "2 records verified")
}

func TestRunBatchRequiresInput(t *testing.T) {
	batchEnv(t)
	assert.Equal(t, 1, run([]string{"batch"}, io.Discard))
}

func TestRunUnknownCommand(t *testing.T) {
	assert.Equal(t, 2, run([]string{"transcode"}, io.Discard))
	assert.Equal(t, 2, run(nil, io.Discard))
}

func TestRunVersion(t *testing.T) {
	var stdout bytes.Buffer
	require.Equal(t, 0, run([]string{"version"}, &stdout))
	assert.Contains(t, stdout.String(), "callaudit/")
}

func TestVerifyAuditDetectsTampering(t *testing.T) {
	root, input := batchEnv(t)
	require.Equal(t, 0, run([]string{"batch", "--input_dir", input}, io.Discard))

	path := filepath.Join(root, "data", "audit.jsonl")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"violation":false`), []byte(`"violation":true`), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	assert.Equal(t, 1, run([]string{"verify-audit", "--path", path}, io.Discard))
}

func TestRunTokenIssuesVerifiableToken(t *testing.T) {
	batchEnv(t)
	t.Setenv("HTTP_JWT_SECRET", "cli-secret")
	t.Setenv("HTTP_JWT_ISSUER", "callaudit")

	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"token", "--name", "ops", "--role", "admin"}, &out))

	token := strings.TrimSpace(out.String())
	authenticator := auth.NewAuthenticator("cli-secret", "callaudit", time.Hour, logger)
	principal, err := authenticator.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", principal.Name)
	assert.True(t, principal.Can(auth.PermRulesReload))

	assert.Equal(t, 1, run([]string{"token", "--name", "ops", "--role", "root"}, &out))
	assert.Equal(t, 1, run([]string{"token"}, &out))
}

func TestRunTokenGeneratesAPIKeyEntry(t *testing.T) {
	batchEnv(t)

	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"token", "--api-key", "--name", "dialer", "--role", "analyst"}, &out))

	entry := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(entry, "dialer:analyst:"))

	authenticator := auth.NewAuthenticator("", "callaudit", time.Hour, logger)
	require.NoError(t, authenticator.AddAPIKeys([]string{entry}))
	principal, err := authenticator.ValidateAPIKey(strings.TrimPrefix(entry, "dialer:analyst:"))
	require.NoError(t, err)
	assert.Equal(t, "dialer", principal.Name)
	assert.True(t, principal.Can(auth.PermAnalyze))
	assert.False(t, principal.Can(auth.PermRulesReload))
}
