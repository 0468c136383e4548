//go:build unix

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testConfig(binary string) Config {
	return Config{
		Binary:       binary,
		ConnectionID: "loginauto",
		WorkDir:      "/scratch/work",
		Endpoint:     "https://tower.nf/api",
		Token:        "secret-token",
		Timeout:      5 * time.Second,
		StopGrace:    2 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestStart_Handshake(t *testing.T) {
	record := filepath.Join(t.TempDir(), "record")
	bin := writeScript(t, `echo "$@" > `+record+`
echo "$TOWER_ACCESS_TOKEN" >> `+record+`
echo "Starting agent"
echo "12:00:00 INFO Connection to Tower established"
exec sleep 30`)

	p, err := Start(context.Background(), testConfig(bin))
	require.NoError(t, err)

	data, err := os.ReadFile(record)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "--url https://tower.nf/api --work-dir /scratch/work loginauto", lines[0])
	assert.Equal(t, "secret-token", lines[1])

	pid := p.PID()
	require.NoError(t, p.Stop())
	select {
	case <-p.Done():
	default:
		t.Fatal("agent should have exited after Stop")
	}
	assert.False(t, alive(pid))

	// Second Stop is a no-op.
	require.NoError(t, p.Stop())
}

func TestStart_ExitBeforeHandshakeReportsStderr(t *testing.T) {
	bin := writeScript(t, `echo "some stdout"
echo "java not found" >&2
exit 3`)

	p, err := Start(context.Background(), testConfig(bin))
	require.Error(t, err)
	assert.Nil(t, p)

	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Contains(t, startErr.Output, "java not found")
	assert.NotContains(t, startErr.Output, "some stdout")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestStart_ExitBeforeHandshakeFallsBackToStdout(t *testing.T) {
	bin := writeScript(t, `echo "invalid connection id"
exit 1`)

	_, err := Start(context.Background(), testConfig(bin))

	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Contains(t, startErr.Output, "invalid connection id")
}

func TestStart_TimeoutTerminatesProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	bin := writeScript(t, `echo $$ > `+pidFile+`
exec sleep 30`)

	cfg := testConfig(bin)
	cfg.Timeout = 300 * time.Millisecond
	cfg.LeaveAlive = true

	start := time.Now()
	p, err := Start(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrHandshakeTimeout))
	assert.Less(t, time.Since(start), 3*time.Second)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.False(t, alive(pid), "agent must be terminated on timeout even with LeaveAlive")
}

func TestStart_ContextCancelled(t *testing.T) {
	bin := writeScript(t, `exec sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := Start(ctx, testConfig(bin))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStop_LeaveAlive(t *testing.T) {
	bin := writeScript(t, `echo "Connection to Tower established"
exec sleep 30`)

	cfg := testConfig(bin)
	cfg.LeaveAlive = true

	p, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.cmd.Process.Kill()
		<-p.Done()
	})

	require.NoError(t, p.Stop())
	assert.True(t, alive(p.PID()))
}

func TestTerminate_IgnoresLeaveAlive(t *testing.T) {
	bin := writeScript(t, `echo "Connection to Tower established"
exec sleep 30`)

	cfg := testConfig(bin)
	cfg.LeaveAlive = true

	p, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, p.Terminate())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent still running")
	}

	// Stop after Terminate is a no-op.
	assert.NoError(t, p.Stop())
}

func TestStop_KillsAfterGrace(t *testing.T) {
	bin := writeScript(t, `trap '' TERM
echo "Connection to Tower established"
while true; do sleep 1; done`)

	cfg := testConfig(bin)
	cfg.StopGrace = 300 * time.Millisecond

	p, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent was not killed")
	}
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(context.Background(), testConfig(filepath.Join(t.TempDir(), "absent")))

	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
}

func TestStart_RequiresConnectionFields(t *testing.T) {
	cfg := testConfig("/bin/true")
	cfg.ConnectionID = ""
	_, err := Start(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRelaunchTip(t *testing.T) {
	cfg := testConfig("/opt/tower/bin/tw-agent")
	assert.Equal(t, "tw-agent --url https://tower.nf/api --work-dir /scratch/work loginauto", cfg.RelaunchTip())

	cfg.Binary = ""
	assert.Equal(t, "tw-agent --url https://tower.nf/api --work-dir /scratch/work loginauto", cfg.RelaunchTip())
}
