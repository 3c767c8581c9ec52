// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/rvdbg/internal/rsp"
	"github.com/microsoft/rvdbg/pkg/testutil"
)

func newTestConsole(t *testing.T) (*Console, *rsp.TestTarget, *bytes.Buffer) {
	t.Helper()

	target, err := rsp.NewTestTarget(testutil.NewLogForTesting(t.Name() + "/target"))
	require.NoError(t, err)
	t.Cleanup(target.Close)

	session := rsp.New(rsp.Config{
		Logger:          testutil.NewLogForTesting(t.Name()),
		ReadTimeout:     2 * time.Second,
		DialRetryWindow: -1,
	})
	t.Cleanup(session.Disconnect)

	out := &bytes.Buffer{}
	console := NewConsole(session, target.Addr(), out, testutil.NewLogForTesting(t.Name()+"/console"))
	return console, target, out
}

func dispatch(t *testing.T, c *Console, line string) string {
	t.Helper()
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Dispatch(ctx, line), "command %q", line)
	return line
}

func TestConsoleConnectAndState(t *testing.T) {
	t.Parallel()

	console, _, out := newTestConsole(t)

	dispatch(t, console, "connect")
	assert.Contains(t, out.String(), "riscv:rv32")

	out.Reset()
	dispatch(t, console, "state")
	assert.Contains(t, out.String(), "no-ack-mode")
	assert.Contains(t, out.String(), "paused")

	dispatch(t, console, "disconnect")
	out.Reset()
	dispatch(t, console, "state")
	assert.Contains(t, out.String(), "disconnected")
}

func TestConsoleMemoryCommands(t *testing.T) {
	t.Parallel()

	console, target, out := newTestConsole(t)
	dispatch(t, console, "connect")

	dispatch(t, console, "write32 0x1000 0xdeadbeef")
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, target.Memory(0x1000, 4))

	out.Reset()
	dispatch(t, console, "read32 0x1000")
	assert.Contains(t, out.String(), "0xdeadbeef")

	out.Reset()
	dispatch(t, console, "read8 0x1000")
	assert.Contains(t, out.String(), "0xef")

	dispatch(t, console, "write64 0x2000 0x0102030405060708")
	out.Reset()
	dispatch(t, console, "read64 0x2000")
	assert.Contains(t, out.String(), "0x0102030405060708")
}

func TestConsoleDumpAndLoad(t *testing.T) {
	t.Parallel()

	console, target, _ := newTestConsole(t)
	dispatch(t, console, "connect")

	payload := []byte("rv32 payload")
	target.SetMemory(0x4000, payload)

	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "dump.bin")
	dispatch(t, console, "dump 0x4000 12 "+dumpPath)

	got, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	dispatch(t, console, "load 0x5000 "+dumpPath)
	assert.Equal(t, payload, target.Memory(0x5000, len(payload)))

	dispatch(t, console, "load 0x6000 "+dumpPath+" 4")
	assert.Equal(t, payload[:4], target.Memory(0x6000, 4))
}

func TestConsoleRegisterCommands(t *testing.T) {
	t.Parallel()

	console, target, out := newTestConsole(t)
	target.SetRegister(2, 0x80001000)
	dispatch(t, console, "connect")

	dispatch(t, console, "regs")
	assert.Contains(t, out.String(), "sp")
	assert.Contains(t, out.String(), "0x80001000")

	out.Reset()
	dispatch(t, console, "reg 2")
	assert.Contains(t, out.String(), "0x80001000")
}

func TestConsoleExecutionCommands(t *testing.T) {
	t.Parallel()

	console, _, _ := newTestConsole(t)
	dispatch(t, console, "connect")

	dispatch(t, console, "go")
	assert.Equal(t, rsp.StateRunning, console.session.ExecutionState())

	dispatch(t, console, "pause")
	assert.Equal(t, rsp.StatePaused, console.session.ExecutionState())

	dispatch(t, console, "bp soft 0x2000 4")
	dispatch(t, console, "bd soft 0x2000 4")
	dispatch(t, console, "monitor reset halt")
}

func TestConsoleDispatchErrors(t *testing.T) {
	t.Parallel()

	console, _, _ := newTestConsole(t)
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	require.NoError(t, console.Dispatch(ctx, ""))
	require.NoError(t, console.Dispatch(ctx, "   "))

	err := console.Dispatch(ctx, "frobnicate")
	require.ErrorContains(t, err, "unknown command")

	err = console.Dispatch(ctx, "read32")
	require.ErrorContains(t, err, "usage: read32 <addr>")

	err = console.Dispatch(ctx, "read32 0x1000 extra")
	require.ErrorContains(t, err, "usage:")

	err = console.Dispatch(ctx, "read32 nonsense")
	require.ErrorContains(t, err, "invalid number")

	err = console.Dispatch(ctx, "bp sideways 0x1000 4")
	require.ErrorContains(t, err, "unknown breakpoint kind")

	// Session is not connected: typed operations surface the session error.
	err = console.Dispatch(ctx, "read32 0x1000")
	require.ErrorIs(t, err, rsp.ErrNotConnected)
}

func TestConsoleQuitAndHelp(t *testing.T) {
	t.Parallel()

	console, _, out := newTestConsole(t)
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	require.ErrorIs(t, console.Dispatch(ctx, "quit"), ErrQuit)

	require.NoError(t, console.Dispatch(ctx, "help"))
	for _, cmd := range console.Commands() {
		assert.Contains(t, out.String(), cmd.Name)
	}
}
