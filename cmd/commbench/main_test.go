package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunLocalPlan(t *testing.T) {
	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-log-level", "error", "testdata/pair.hcl"})
	require.NoError(t, err)

	text := out.String()
	require.Contains(t, text, "comm pingpong backend mpi")
	require.Contains(t, text, "comm staged backend gpu")
	require.Contains(t, text, "medTime:")
	require.Contains(t, text, "GB/s")
}

func TestRunShowsUsage(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), out, []string{"-h"}))
	require.Contains(t, out.String(), "Usage:")

	out.Reset()
	require.NoError(t, run(context.Background(), out, nil))
	require.Contains(t, out.String(), "PLAN_FILE")
}

func TestRunRejectsBadFlags(t *testing.T) {
	cases := [][]string{
		{"-mode", "cluster", "plan.hcl"},
		{"-log-format", "xml", "plan.hcl"},
		{"-log-level", "loud", "plan.hcl"},
		{"-ranks", "-1", "plan.hcl"},
		{"-no-such-flag"},
	}
	for _, args := range cases {
		err := run(context.Background(), &bytes.Buffer{}, args)
		var exitErr *ExitError
		require.Truef(t, errors.As(err, &exitErr), "args %v: expected ExitError, got %v", args, err)
		require.Equal(t, 2, exitErr.Code)
	}
}

func TestRunReportsPlanErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte("world { ranks = 0 }\n"), 0o600))
	err := run(context.Background(), &bytes.Buffer{}, []string{"-log-level", "error", path})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad.hcl")
}

func TestRanksOverrideIsValidated(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, []string{"-log-level", "error", "-ranks", "1", "testdata/pair.hcl"})
	require.Error(t, err)
}
