package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func findCommand(t *testing.T, app *cli.App, name string) *cli.Command {
	t.Helper()
	for _, cmd := range app.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %q not found", name)
	return nil
}

func TestIngestCommandFlags(t *testing.T) {
	app := newApp()
	cmd := findCommand(t, app, "ingest")

	t.Run("file is required", func(t *testing.T) {
		err := newApp().Run([]string{"medrag", "ingest"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file")
	})

	t.Run("debounce has default value", func(t *testing.T) {
		var debounce *cli.DurationFlag
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.DurationFlag); ok && f.Name == "debounce" {
				debounce = f
			}
		}
		require.NotNil(t, debounce)
		assert.Equal(t, 500*time.Millisecond, debounce.Value)
	})

	t.Run("missing corpus fails before opening the store", func(t *testing.T) {
		db := filepath.Join(t.TempDir(), "db")
		err := newApp().Run([]string{"medrag", "--db", db, "ingest", "--file", filepath.Join(t.TempDir(), "missing.jsonl")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read corpus")
		_, statErr := os.Stat(db)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestAskCommandFlags(t *testing.T) {
	err := newApp().Run([]string{"medrag", "ask"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question")
}

func TestConfigFlag(t *testing.T) {
	err := newApp().Run([]string{"medrag", "--config", filepath.Join(t.TempDir(), "missing.toml"), "stats"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestSetupLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	tests := []struct {
		level   string
		wantErr bool
	}{
		{level: "debug"},
		{level: "INFO"},
		{level: "warn"},
		{level: "error"},
		{level: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := newApp().Run([]string{"medrag", "--log-level", tt.level})
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.jsonl")
	other := filepath.Join(dir, "other.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, 50*time.Millisecond, func() { calls.Add(1) })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(other, []byte("{}\n"), 0644))
	for range 3 {
		require.NoError(t, os.WriteFile(path, []byte("{}\n{}\n"), 0644))
	}

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "bursts of writes are debounced")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
