package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/jobs"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	cmd := NewRootCommand(Options{Name: "sharedqueue", LogOutput: &logs})
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmd := NewRootCommand(Options{})
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "worker", "enqueue", "dlq", "config", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Service:    sharedqueue")
	assert.Contains(t, out, "Version:")
}

func TestConfigShow_UsesEnvironmentAndHidesPassword(t *testing.T) {
	t.Setenv("APP_QUEUE_NAME", "emails")
	t.Setenv("REDIS_PASSWORD", "s3cret")

	out, err := runCommand(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "emails", shown.Queue.Name)
	assert.Equal(t, 5000, shown.HTTP.Port)
}

func TestConfigValidate_ReportsInvalidValues(t *testing.T) {
	t.Setenv("APP_WORKER_FAILURE_POLICY", "ignore")
	_, err := runCommand(t, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.failure_policy")
}

func TestFlagOverrides(t *testing.T) {
	t.Setenv("APP_QUEUE_BACKEND", "redis")
	out, err := runCommand(t, "config", "show", "--backend", "memory", "--log-level", "warn")
	require.NoError(t, err)

	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "memory", shown.Queue.Backend)
	assert.Equal(t, "warn", shown.Observability.LogLevel)
}

func TestEnqueueMail_MemoryBackend(t *testing.T) {
	out, err := runCommand(t, "enqueue", "mail", "--backend", "memory",
		"--to", "a@example.com", "--subject", "hi", "--body", "yo")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestEnqueueMail_RejectsInvalidRecipient(t *testing.T) {
	_, err := runCommand(t, "enqueue", "mail", "--backend", "memory", "--to", "nobody", "--subject", "hi")
	require.Error(t, err)
}

func TestDLQList_DisabledQueue(t *testing.T) {
	_, err := runCommand(t, "dlq", "list", "--backend", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead-letter queue is disabled")
}

func TestDLQList_EmptyJSON(t *testing.T) {
	t.Setenv("APP_QUEUE_DLQ_ENABLED", "true")
	out, err := runCommand(t, "dlq", "list", "--backend", "memory", "-o", "json")
	require.NoError(t, err)

	var records []deadLetterRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	assert.Empty(t, records)
}

func TestDLQResubmit_UnknownRecord(t *testing.T) {
	t.Setenv("APP_QUEUE_DLQ_ENABLED", "true")
	_, err := runCommand(t, "dlq", "resubmit", "missing", "--backend", "memory")
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestWriteRecords(t *testing.T) {
	records := []*jobs.Job{{
		ID:      "rec-1",
		Name:    "mail.send",
		State:   jobs.StateWaiting,
		Payload: json.RawMessage(`{"to":"a@example.com","failedReason":"boom"}`),
		Data: map[string]string{
			jobs.DataOriginalQueue: "shared",
			jobs.DataFailedReason:  "boom",
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, "yaml", records))
	assert.Contains(t, buf.String(), "failed_reason: boom")
	assert.Contains(t, buf.String(), "original_queue: shared")

	buf.Reset()
	require.NoError(t, writeRecords(&buf, "json", records))
	assert.Contains(t, buf.String(), `"failedReason": "boom"`)

	assert.Error(t, writeRecords(&buf, "xml", records))
}
