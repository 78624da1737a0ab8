package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/busybox42/outbound/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[engine]
hostname = "mta.example.org"
data_dir = "spool"

[store]
type = "memory"

[cache]
type = "memory"

[api]
enabled = false
`

// testCLI returns a cli whose commands share one in-memory store.
func testCLI(t *testing.T) (*cli, *store.MemoryStore) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "outbound.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	ms := store.NewMemoryStore()
	c := &cli{
		openStore: func(context.Context, store.Config) (store.Store, error) {
			return ms, nil
		},
	}
	c.configPath = path
	return c, ms
}

func run(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	// Building the root resets configPath to the flag default.
	path := c.configPath
	root := newRootCmd(c)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestConfigValidate(t *testing.T) {
	c, _ := testCLI(t)

	out, err := run(t, c, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "memory store loses the queue on restart")
	assert.Contains(t, out, "Store: memory")
}

func TestConfigValidateMissingFile(t *testing.T) {
	c, _ := testCLI(t)
	c.configPath = filepath.Join(t.TempDir(), "missing.toml")

	_, err := run(t, c, "config", "validate")
	assert.Error(t, err)
}

func TestQueueCommands(t *testing.T) {
	c, ms := testCLI(t)

	_, err := run(t, c, "send", "create", "s1")
	require.NoError(t, err)

	out, err := run(t, c, "queue", "enqueue",
		"--id", "m1",
		"--send", "s1",
		"--from", "bounce@example.org",
		"--rcpt", "a@example.com",
		"--rcpt", "b@example.com",
		"--data", "m1.eml")
	require.NoError(t, err)
	assert.Equal(t, "m1", strings.TrimSpace(out))

	t.Run("show", func(t *testing.T) {
		out, err := run(t, c, "queue", "show", "m1")
		require.NoError(t, err)
		assert.Contains(t, out, "a@example.com, b@example.com")
		assert.Contains(t, out, "bounce@example.org")
		assert.Regexp(t, `Locked:\s+false`, out)
	})

	t.Run("pickup locks", func(t *testing.T) {
		out, err := run(t, c, "queue", "pickup", "--max", "5")
		require.NoError(t, err)
		assert.Contains(t, out, "m1")

		qm, err := ms.GetMessageByID(context.Background(), "m1")
		require.NoError(t, err)
		assert.True(t, qm.Locked)

		out, err = run(t, c, "queue", "pickup")
		require.NoError(t, err)
		assert.Contains(t, out, "No messages picked up")
	})

	t.Run("stats", func(t *testing.T) {
		out, err := run(t, c, "queue", "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "TOTAL")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, []string{"1", "1"}, strings.Fields(lines[1])[:2])
	})

	t.Run("release", func(t *testing.T) {
		out, err := run(t, c, "queue", "release", "m1")
		require.NoError(t, err)
		assert.Contains(t, out, "Released m1")

		qm, err := ms.GetMessageByID(context.Background(), "m1")
		require.NoError(t, err)
		assert.False(t, qm.Locked)
	})

	t.Run("delete", func(t *testing.T) {
		_, err := run(t, c, "queue", "delete", "m1")
		require.NoError(t, err)

		_, err = run(t, c, "queue", "show", "m1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestQueueEnqueueRequiresFlags(t *testing.T) {
	c, _ := testCLI(t)
	_, err := run(t, c, "queue", "enqueue", "--send", "s1")
	assert.Error(t, err)
}

func TestSendCommands(t *testing.T) {
	c, ms := testCLI(t)
	ctx := context.Background()

	_, err := run(t, c, "send", "create", "s1", "--status", "paused")
	require.NoError(t, err)

	out, err := run(t, c, "send", "status", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	out, err = run(t, c, "send", "status", "s1", "discard")
	require.NoError(t, err)
	assert.Contains(t, out, "discard")

	_, err = run(t, c, "send", "status", "s1", "bogus")
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	for _, st := range []store.TransactionStatus{store.TransactionSuccess, store.TransactionSuccess, store.TransactionDeferred, store.TransactionThrottled} {
		require.NoError(t, ms.RecordTransaction(ctx, store.Transaction{MessageID: "m1", SendID: "s1", Status: st}))
	}
	out, err = run(t, c, "send", "summary", "s1")
	require.NoError(t, err)
	assert.Regexp(t, `Attempts:\s+4`, out)
	assert.Regexp(t, `Success:\s+2`, out)
	assert.Regexp(t, `Deferred:\s+1\s+\(25\.0%\)`, out)
}

func TestRulesCommands(t *testing.T) {
	c, _ := testCLI(t)

	_, err := run(t, c, "rules", "resolve", "mx.example.com")
	require.Error(t, err, "no pattern matches before seeding")

	out, err := run(t, c, "rules", "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "Default pattern added")

	out, err = run(t, c, "rules", "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "already present")

	_, err = run(t, c, "rules", "add-pattern", "10", `\.big\.example$`, "--priority", "5", "--name", "big")
	require.NoError(t, err)
	_, err = run(t, c, "rules", "add-rule", "10", "max_connections", "4")
	require.NoError(t, err)
	_, err = run(t, c, "rules", "add-rule", "10", "max_messages_per_hour", "500")
	require.NoError(t, err)

	t.Run("resolve specific", func(t *testing.T) {
		out, err := run(t, c, "rules", "resolve", "MX1.Big.Example.")
		require.NoError(t, err)
		assert.Regexp(t, `Pattern:\s+10`, out)
		assert.Regexp(t, `Max connections:\s+4`, out)
		assert.Regexp(t, `Max messages per connection:\s+1`, out)
		assert.Regexp(t, `Max messages per hour:\s+500`, out)
	})

	t.Run("resolve default", func(t *testing.T) {
		out, err := run(t, c, "rules", "resolve", "mx.example.com")
		require.NoError(t, err)
		assert.Regexp(t, `Max connections:\s+1`, out)
		assert.Regexp(t, `Max messages per hour:\s+unlimited`, out)
	})

	t.Run("unknown identity", func(t *testing.T) {
		_, err := run(t, c, "rules", "resolve", "mx.example.com", "--identity", "9")
		assert.Error(t, err)
	})

	t.Run("list", func(t *testing.T) {
		out, err := run(t, c, "rules", "list")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[1], "10"), "lowest priority first: %q", lines[1])
	})

	t.Run("bad rule type", func(t *testing.T) {
		_, err := run(t, c, "rules", "add-rule", "10", "max_bananas", "1")
		assert.Error(t, err)
	})
}
