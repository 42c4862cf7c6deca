package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/postgres"
)

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("LEDGER_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("LEDGER_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	_ = store.Close()
	return dsn
}

func TestParseOptions(t *testing.T) {
	t.Setenv(dsnEnv, "postgres://env")

	opts, err := parseOptions(nil)
	require.NoError(t, err)
	require.Equal(t, options{direction: "up", dsn: "postgres://env"}, opts)

	opts, err = parseOptions([]string{"-direction", " DOWN ", "-steps=2", "-dsn=postgres://flag"})
	require.NoError(t, err)
	require.Equal(t, options{direction: "down", steps: 2, dsn: "postgres://flag"}, opts)

	_, err = parseOptions([]string{"-direction=sideways"})
	require.ErrorContains(t, err, "unsupported direction")

	_, err = parseOptions([]string{"-steps=-1"})
	require.Error(t, err)

	_, err = parseOptions([]string{"-unknown"})
	require.Error(t, err)

	t.Setenv(dsnEnv, "")
	_, err = parseOptions([]string{"-direction=status"})
	require.ErrorIs(t, err, errMissingDSN)
}

func TestRunStatusAndMigratePaths(t *testing.T) {
	dsn := testPostgresDSN(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-direction=up", "-dsn=" + dsn}, &out))
	require.Contains(t, out.String(), "pending=0")

	out.Reset()
	require.NoError(t, run(ctx, []string{"-direction=down", "-dsn=" + dsn}, &out))
	require.Contains(t, out.String(), "pending=1")

	out.Reset()
	require.NoError(t, run(ctx, []string{"-direction=up", "-dsn=" + dsn}, &out))
	require.NoError(t, run(ctx, []string{"-direction=status", "-dsn=" + dsn}, &out))
	require.Contains(t, out.String(), "migrate status ok")
}

func TestMainMissingDSNExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_EXIT") == "1" {
		os.Args = []string{"migrate", "-direction=status", "-dsn="}
		_ = os.Unsetenv(dsnEnv)
		main()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestMainMissingDSNExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
