package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "paygate.yaml")
	body := `
database:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "cli.db") + `
pricing:
  models:
    sonnet:
      input_per_million: "3"
      output_per_million: "15"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, cfg string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(append([]string{"--config", cfg}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func decode(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestWalletCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, stderr, err := runCLI(t, cfg, "wallet", "grant", "--user", "user-1", "--amount", "550", "--reason", "trial")
	require.NoError(t, err, stderr)
	assert.Contains(t, stderr, "granted $5.50 to user-1")
	var grant map[string]any
	decode(t, out, &grant)
	assert.Equal(t, 550.0, grant["remaining_balance_cents"])

	out, _, err = runCLI(t, cfg, "wallet", "get", "--user", "user-1")
	require.NoError(t, err)
	var wallet map[string]any
	decode(t, out, &wallet)
	assert.Equal(t, 550.0, wallet["balance_cents"])
	assert.Equal(t, 550.0, wallet["lifetime_granted_cents"])

	out, _, err = runCLI(t, cfg, "wallet", "get", "--user", "user-1", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "USER ID")
	assert.Contains(t, out, "$5.50")

	out, _, err = runCLI(t, cfg, "wallet", "list")
	require.NoError(t, err)
	var wallets []map[string]any
	decode(t, out, &wallets)
	assert.Len(t, wallets, 1)

	out, _, err = runCLI(t, cfg, "wallet", "entries", "--user", "user-1", "--type", "grant")
	require.NoError(t, err)
	var entries []map[string]any
	decode(t, out, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "grant", entries[0]["type"])

	_, _, err = runCLI(t, cfg, "wallet", "entries", "--user", "user-1", "--type", "refund")
	assert.ErrorContains(t, err, "unknown entry type")

	_, _, err = runCLI(t, cfg, "wallet", "get", "--user", "nobody")
	assert.ErrorContains(t, err, "wallet not found")
}

func TestWalletVerify(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := runCLI(t, cfg, "wallet", "grant", "--user", "user-1", "--amount", "100")
	require.NoError(t, err)

	out, stderr, err := runCLI(t, cfg, "wallet", "verify", "--user", "user-1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "balance integrity verified")
	var reports []map[string]any
	decode(t, out, &reports)
	require.Len(t, reports, 1)
	assert.Equal(t, 1.0, reports[0]["entries"])

	out, _, err = runCLI(t, cfg, "wallet", "verify", "--sample", "10")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestReservationsSweep(t *testing.T) {
	cfg := writeConfig(t)

	out, stderr, err := runCLI(t, cfg, "reservations", "sweep", "--timeout", "1m")
	require.NoError(t, err, stderr)
	assert.Contains(t, stderr, "released 0 expired reservations")
	var res map[string]any
	decode(t, out, &res)
	assert.Equal(t, 0.0, res["released"])
	assert.Equal(t, "1m0s", res["timeout"])

	out, _, err = runCLI(t, cfg, "reservations", "list", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "No results.")
}

func TestEstimate(t *testing.T) {
	cfg := writeConfig(t)

	out, _, err := runCLI(t, cfg, "estimate",
		"--model", "Sonnet",
		"--system-prompt", strings.Repeat("a", 40),
		"--max-output-tokens", "1000")
	require.NoError(t, err)
	var est map[string]any
	decode(t, out, &est)
	assert.Equal(t, 10.0, est["input_tokens_estimate"])
	assert.Equal(t, 1000.0, est["output_tokens_estimate"])
	assert.Equal(t, 2.0, est["estimated_cost_cents"])

	_, _, err = runCLI(t, cfg, "estimate", "--model", "mystery")
	assert.ErrorContains(t, err, "no pricing available")

	_, _, err = runCLI(t, cfg, "estimate", "--model", "sonnet", "--turn", "no-separator")
	assert.ErrorContains(t, err, "invalid turn")
}

func TestSignals(t *testing.T) {
	cfg := writeConfig(t)

	out, _, err := runCLI(t, cfg, "signals", "recompute", "chunk-1", "chunk-2")
	require.NoError(t, err)
	var res map[string]any
	decode(t, out, &res)
	assert.Equal(t, 2.0, res["recomputed"])

	out, _, err = runCLI(t, cfg, "signals", "get", "chunk-1")
	require.NoError(t, err)
	var signals []map[string]any
	decode(t, out, &signals)
	require.Len(t, signals, 1)
	assert.Equal(t, "chunk-1", signals[0]["chunk_id"])
	assert.Equal(t, 1.0, signals[0]["multiplier"])

	_, _, err = runCLI(t, cfg, "signals", "get")
	assert.Error(t, err)
}

func TestUnknownOutputFormat(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := runCLI(t, cfg, "-o", "yaml", "wallet", "list")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestParseTurn(t *testing.T) {
	turn, err := parseTurn("user:hello: world")
	require.NoError(t, err)
	assert.Equal(t, "user", turn.Role)
	assert.Equal(t, "hello: world", turn.Text)

	path := filepath.Join(t.TempDir(), "turn.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))
	turn, err = parseTurn("assistant:@" + path)
	require.NoError(t, err)
	assert.Equal(t, "from file", turn.Text)

	_, err = parseTurn(":text")
	assert.Error(t, err)
}

func TestDollars(t *testing.T) {
	assert.Equal(t, "$0.05", dollars(5))
	assert.Equal(t, "$12.30", dollars(1230))
	assert.Equal(t, "-$1.01", dollars(-101))
}
