package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsAreRegistered(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"migrate", "sweep", "retry-failed", "detect-duplicates", "compliance"})
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Setenv("NSER_DATABASE_URL", "")
	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NSER_DATABASE_URL")
}

func TestRetryFailedRequiresActor(t *testing.T) {
	_, err := execute(t, "retry-failed")
	require.EqualError(t, err, "--actor is required")
}

func TestInMemoryRuns(t *testing.T) {
	t.Setenv("NSER_LOG_LEVEL", "error")

	out, err := execute(t, "sweep", "--dead")
	require.NoError(t, err)
	assert.Contains(t, out, "exclusions transitioned: 0")
	assert.Contains(t, out, "propagations declared dead: 0")

	out, err = execute(t, "compliance", "--window", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "OPERATOR")

	out, err = execute(t, "retry-failed", "--actor", "officer-7")
	require.NoError(t, err)
	assert.Contains(t, out, "propagations re-queued: 0")
}
