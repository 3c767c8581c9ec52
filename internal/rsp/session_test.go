// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/rvdbg/pkg/testutil"
)

func newTestSession(t *testing.T, config Config) (*Session, *TestTarget, *recordingObserver) {
	t.Helper()

	tt, err := NewTestTarget(testutil.NewLogForTesting(t.Name() + "/target"))
	require.NoError(t, err)
	t.Cleanup(tt.Close)

	obs := &recordingObserver{}
	config.Observer = obs
	config.Logger = testutil.NewLogForTesting(t.Name())
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 2 * time.Second
	}
	if config.DialRetryWindow == 0 {
		config.DialRetryWindow = -1
	}

	s := New(config)
	t.Cleanup(s.Disconnect)
	return s, tt, obs
}

func connectTestSession(t *testing.T, config Config) (*Session, *TestTarget, *recordingObserver) {
	t.Helper()

	s, tt, obs := newTestSession(t, config)

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	desc, err := s.Connect(ctx, tt.Addr())
	require.NoError(t, err)
	require.NotNil(t, desc)
	return s, tt, obs
}

func TestSessionConnect(t *testing.T) {
	t.Parallel()

	s, _, obs := connectTestSession(t, Config{})

	assert.Equal(t, NoAckMode, s.ConnectionState())
	assert.Equal(t, StatePaused, s.ExecutionState())
	assert.NotEmpty(t, s.ID())

	desc := s.TargetDescription()
	require.NotNil(t, desc)
	assert.Equal(t, "riscv:rv32", desc.Architecture)
	// The stub serves no <reg> entries, so the rv32 catalog applies.
	assert.Len(t, desc.Registers, 33)

	require.Len(t, obs.Descriptions(), 1)
	assert.Equal(t, []ExecutionState{StatePaused}, obs.States())
}

func TestSessionConnectRefused(t *testing.T) {
	t.Parallel()

	s, tt, obs := newTestSession(t, Config{})
	tt.Close()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, err := s.Connect(ctx, tt.Addr())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, Disconnected, s.ConnectionState())

	// The session never reached connected, so the observer saw nothing.
	assert.Empty(t, obs.States())
}

func TestSessionConnectWhileConnected(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, err := s.Connect(ctx, tt.Addr())
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestSessionDisconnectClearsDescription(t *testing.T) {
	t.Parallel()

	s, _, _ := connectTestSession(t, Config{})
	require.NotNil(t, s.TargetDescription())

	s.Disconnect()
	assert.Nil(t, s.TargetDescription())
}

func TestSessionReadMemory(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})
	tt.SetMemory(0x1000, []byte{0xde, 0xad, 0xbe, 0xef})

	var sent []string
	var mu sync.Mutex
	tt.Handle("m", func(cmd string) (string, bool) {
		mu.Lock()
		sent = append(sent, cmd)
		mu.Unlock()
		return "deadbeef", true
	})

	data, err := s.ReadMemory(0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"m1000,4"}, sent)
}

func TestSessionWriteMemory(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	require.NoError(t, s.WriteMemory(0x2000, []byte{0x01, 0x02, 0x03}))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, tt.Memory(0x2000, 3))

	data, err := s.ReadMemory(0x2000, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestSessionBulkTransferChunks(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{ChunkSize: 4})

	payload := []byte("0123456789")
	require.NoError(t, s.WriteBulk(0x3000, payload))
	assert.Equal(t, payload, tt.Memory(0x3000, len(payload)))

	got, err := s.ReadBulk(0x3000, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSessionReadUints(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})
	tt.SetMemory(0x4000, []byte{0x78, 0x56, 0x34, 0x12, 0xaa, 0xbb, 0xcc, 0xdd})

	v8, err := s.ReadUint8(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x78), v8)

	v16, err := s.ReadUint16(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x5678), v16)

	v32, err := s.ReadUint32(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v32)

	v64, err := s.ReadUint64(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xddccbbaa12345678), v64)

	require.NoError(t, s.WriteUint32(0x5000, 0xcafebabe))
	assert.Equal(t, []byte{0xbe, 0xba, 0xfe, 0xca}, tt.Memory(0x5000, 4))
}

func TestSessionRequestFailed(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})
	tt.Handle("m", func(string) (string, bool) { return "E01", true })

	_, err := s.ReadMemory(0x1000, 4)
	require.ErrorIs(t, err, ErrRequestFailed)

	// An error reply fails the request, not the connection.
	assert.Equal(t, NoAckMode, s.ConnectionState())
}

func TestSessionReadRegisters(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})
	tt.SetRegister(2, 0x80001000) // sp
	tt.SetRegister(32, 0x2000)    // pc

	snap, err := s.ReadRegisters()
	require.NoError(t, err)
	require.Len(t, snap, 33)
	assert.Equal(t, uint64(0x80001000), snap[2])
	assert.Equal(t, uint64(0x2000), snap[32])
}

func TestSessionReadRegister(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})
	tt.SetRegister(10, 0xdeadbeef) // a0

	var sent []string
	var mu sync.Mutex
	tt.Handle("p", func(cmd string) (string, bool) {
		mu.Lock()
		sent = append(sent, cmd)
		mu.Unlock()
		return "efbeadde", true
	})

	v, err := s.ReadRegister(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"p0a"}, sent)
}

func TestSessionBreakpoints(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	var sent []string
	var mu sync.Mutex
	capture := func(cmd string) (string, bool) {
		mu.Lock()
		sent = append(sent, cmd)
		mu.Unlock()
		return "OK", true
	}
	tt.Handle("Z", capture)
	tt.Handle("z", capture)

	require.NoError(t, s.AddBreakpoint(BreakpointSoftware, 0x2000, 4))
	require.NoError(t, s.AddBreakpoint(BreakpointWriteWatch, 0x8000, 8))
	require.NoError(t, s.RemoveBreakpoint(BreakpointSoftware, 0x2000, 4))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Z0,2000,4", "Z3,8000,8", "z0,2000,4"}, sent)
}

func TestSessionBreakpointUnsupported(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	// A stub without hardware comparators answers Z1 with an empty packet.
	tt.Handle("Z", func(cmd string) (string, bool) {
		return "", true
	})

	err := s.AddBreakpoint(BreakpointHardware, 0x2000, 4)
	require.ErrorIs(t, err, ErrUnsupported)

	// The reply was well-formed; the connection stays up.
	assert.Equal(t, NoAckMode, s.ConnectionState())
	_, err = s.ReadMemory(0x1000, 4)
	require.NoError(t, err)
}

func TestSessionMonitor(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	var sent []string
	var mu sync.Mutex
	tt.Handle("qRcmd,", func(cmd string) (string, bool) {
		mu.Lock()
		sent = append(sent, cmd)
		mu.Unlock()
		return "68616c7465640a", true // "halted\n" hex-encoded
	})

	out, err := s.Monitor("reset halt")
	require.NoError(t, err)
	assert.Equal(t, "halted\n", out)

	mu.Lock()
	defer mu.Unlock()
	// "reset halt" hex-encoded.
	require.Equal(t, []string{"qRcmd,72657365742068616c74"}, sent)
}

func TestSessionMonitorOKReply(t *testing.T) {
	t.Parallel()

	s, _, _ := connectTestSession(t, Config{})

	out, err := s.Monitor("reset halt")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSessionNotificationBeforeResponse(t *testing.T) {
	t.Parallel()

	s, tt, obs := connectTestSession(t, Config{})
	tt.SetMemory(0x1000, []byte{0xde, 0xad, 0xbe, 0xef})
	tt.NotifyBefore("m", "T05thread:01;")

	data, err := s.ReadMemory(0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)

	// Connect's pause plus exactly one more for the stop notification.
	assert.Equal(t, []ExecutionState{StatePaused, StatePaused}, obs.States())
	assert.Equal(t, StatePaused, s.ExecutionState())
}

func TestSessionCallWhileCallInFlight(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})
	tt.SetMemory(0x1000, []byte{0xde, 0xad, 0xbe, 0xef})

	started := make(chan struct{})
	release := make(chan struct{})
	tt.Handle("m", func(cmd string) (string, bool) {
		close(started)
		<-release
		return "deadbeef", true
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadMemory(0x1000, 4)
		done <- err
	}()

	<-started
	_, err := s.ReadMemory(0x1000, 4)
	require.ErrorIs(t, err, ErrProtocolViolation)

	close(release)
	require.NoError(t, <-done)
}

func TestSessionConnectionLostMidCall(t *testing.T) {
	t.Parallel()

	s, tt, obs := connectTestSession(t, Config{})
	tt.DropOn("m")

	_, err := s.ReadMemory(0x1000, 4)
	require.ErrorIs(t, err, ErrConnectionLost)

	assert.Equal(t, Disconnected, s.ConnectionState())
	assert.Equal(t, StateDisconnected, s.ExecutionState())
	assert.Nil(t, s.TargetDescription())

	// Exactly one disconnect notification, even with a Disconnect call after.
	s.Disconnect()
	assert.Equal(t, []ExecutionState{StatePaused, StateDisconnected}, obs.States())

	_, err = s.ReadMemory(0x1000, 4)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionCallWhenDisconnected(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, Config{})

	_, err := s.ReadMemory(0x1000, 4)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, s.Poll(), ErrNotConnected)
	require.ErrorIs(t, s.Interrupt(), ErrNotConnected)
}

func TestSessionPollRoutesStopNotification(t *testing.T) {
	t.Parallel()

	s, tt, obs := connectTestSession(t, Config{})

	require.NoError(t, s.Resume())
	assert.Equal(t, StateRunning, s.ExecutionState())

	require.NoError(t, tt.SendStop())
	require.Eventually(t, func() bool {
		if err := s.Poll(); err != nil {
			return false
		}
		return s.ExecutionState() == StatePaused
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []ExecutionState{StatePaused, StateRunning, StatePaused}, obs.States())
}

func TestSessionPollRoutesTargetOutput(t *testing.T) {
	t.Parallel()

	s, tt, obs := connectTestSession(t, Config{})

	require.NoError(t, tt.SendOutput("hello from target\n"))
	require.Eventually(t, func() bool {
		if err := s.Poll(); err != nil {
			return false
		}
		return len(obs.Logs()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"hello from target\n"}, obs.Logs())
}

func TestSessionPollNeverBlocks(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	tt.Handle("m", func(cmd string) (string, bool) {
		close(started)
		<-release
		return "00", true
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadMemory(0x1000, 1)
		done <- err
	}()

	<-started
	// A poll during an in-flight call is skipped, not queued.
	pollDone := make(chan error, 1)
	go func() { pollDone <- s.Poll() }()
	select {
	case err := <-pollDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Poll blocked behind an in-flight call")
	}

	close(release)
	require.NoError(t, <-done)
}

func TestSessionResumeStepInterrupt(t *testing.T) {
	t.Parallel()

	s, tt, obs := connectTestSession(t, Config{})

	require.NoError(t, s.Resume())
	assert.Equal(t, StateRunning, s.ExecutionState())

	require.NoError(t, s.Interrupt())
	assert.Equal(t, StatePaused, s.ExecutionState())

	require.NoError(t, s.Step())
	require.NoError(t, tt.SendStop())
	require.Eventually(t, func() bool {
		if err := s.Poll(); err != nil {
			return false
		}
		return s.ExecutionState() == StatePaused
	}, 2*time.Second, 10*time.Millisecond)

	states := obs.States()
	require.NotEmpty(t, states)
	assert.Equal(t, StatePaused, states[len(states)-1])
}

func TestSessionChecksumMismatchFailsCallNotConnection(t *testing.T) {
	t.Parallel()

	s, tt, _ := connectTestSession(t, Config{})

	received := make(chan struct{})
	tt.Handle("m", func(string) (string, bool) {
		close(received)
		return "", false
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadMemory(0x1000, 4)
		done <- err
	}()

	// Inject a hand-corrupted frame once the call is awaiting its response.
	<-received
	require.NoError(t, tt.SendBytes([]byte("$deadbeef#00")))

	err := <-done
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.True(t, IsFrameError(err))

	// The connection survives a damaged frame.
	assert.Equal(t, NoAckMode, s.ConnectionState())
	tt.SetMemory(0x1000, []byte{0x42})
	tt.Handle("m", func(string) (string, bool) { return "42", true })
	data, err := s.ReadMemory(0x1000, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, data)
}
