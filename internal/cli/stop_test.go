package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, _, err := run(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the recall watch daemon")
		assert.Contains(t, out, "timeout")
	})

	t.Run("removes a stale PID file", func(t *testing.T) {
		env := setupCLI(t, nil)
		pidFile := filepath.Join(env.dir, "recall.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(999999999)), 0644))

		out, _, err := run(t, "--config", env.configPath, "stop")
		require.NoError(t, err)
		assert.Contains(t, out, "Daemon is not running")
		_, err = os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestWatchCommand(t *testing.T) {
	env := setupCLI(t, nil)
	env.write(t, "a.md", "alpha bravo")
	pidFile := filepath.Join(env.dir, "recall.pid")

	cmd := GetRootCmd()
	resetFlags(cmd)
	t.Cleanup(func() { resetFlags(cmd) })
	cmd.SetArgs([]string{"--config", env.configPath, "watch"})
	stderr := &lockedBuffer{}
	cmd.SetErr(stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// The banner is printed once the initial sync and watcher are up.
	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "Watching")
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, isRunning(pidFile))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after cancellation")
	}
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
