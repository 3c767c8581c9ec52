// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// DefaultChunkSize bounds a single memory read/write request; larger
// transfers are split so typical target frame limits are respected.
const DefaultChunkSize = 4096

// Config holds the configuration for creating a Session.
type Config struct {
	// Observer receives state transitions, the target description, and target
	// console output. Defaults to a no-op observer.
	Observer Observer

	// Logger for session operations.
	Logger logr.Logger

	// ReadTimeout bounds every blocking receive. Defaults to DefaultReadTimeout.
	ReadTimeout time.Duration

	// DialRetryWindow bounds the connect-time dial retry. Zero means the
	// default window; negative disables retrying.
	DialRetryWindow time.Duration

	// ChunkSize bounds a single bulk-transfer request. Defaults to DefaultChunkSize.
	ChunkSize int
}

// CallOptions controls the generic call primitive.
type CallOptions struct {
	// WaitForAck waits for the one-byte acknowledgment after sending.
	// Only meaningful before the session enters no-acknowledgment mode.
	WaitForAck bool

	// NoResponse declares that the target will not answer the request
	// (fire-and-forget execution-control packets).
	NoResponse bool
}

// Session is the protocol state machine and command API. It exclusively owns
// its Transport: all protocol I/O is synchronous, and no two calls may be in
// flight concurrently.
type Session struct {
	observer        Observer
	log             logr.Logger
	readTimeout     time.Duration
	dialRetryWindow time.Duration
	chunkSize       int

	// mu serialises every transport touch; inCall additionally rejects a
	// second call issued while one is awaiting its response.
	mu     sync.Mutex
	inCall atomic.Bool

	transport Transport
	dec       decoder
	router    notificationRouter

	stateMu   sync.Mutex
	id        string
	connState ConnectionState
	execState ExecutionState
	desc      *TargetDescription
}

// New creates a disconnected session.
func New(config Config) *Session {
	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	s := &Session{
		observer:        observer,
		log:             log,
		readTimeout:     config.ReadTimeout,
		dialRetryWindow: config.DialRetryWindow,
		chunkSize:       chunkSize,
		dec:             newDecoder(log),
		execState:       StateDisconnected,
	}
	s.router = notificationRouter{
		observer: observer,
		log:      log,
		onStop:   s.handleStop,
	}
	return s
}

// Connect opens the transport, performs the handshake, switches the target to
// no-acknowledgment mode, enables extended mode, and fetches the target
// feature description. On any failure the transport is closed and the session
// is left disconnected.
func (s *Session) Connect(ctx context.Context, address string) (*TargetDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		return nil, fmt.Errorf("%w: session already connected", ErrConnectFailed)
	}

	id := uuid.NewString()
	s.stateMu.Lock()
	s.id = id
	s.stateMu.Unlock()

	log := s.log.WithValues("session", id, "address", address)
	log.Info("connecting")
	s.setConnState(Handshaking)

	transport, dialErr := DialTCP(ctx, address, TransportConfig{
		ReadTimeout:     s.readTimeout,
		DialRetryWindow: s.dialRetryWindow,
		Logger:          s.log,
	})
	if dialErr != nil {
		s.setConnState(Disconnected)
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, dialErr)
	}
	s.transport = transport

	if err := transport.Handshake(); err != nil {
		return nil, s.abortConnectLocked(err)
	}
	s.setConnState(AckMode)

	// The no-ack request itself is still acknowledged; nothing after it is.
	if _, err := s.callLocked([]byte("QStartNoAckMode"), CallOptions{WaitForAck: true}); err != nil {
		return nil, s.abortConnectLocked(err)
	}
	s.setConnState(NoAckMode)

	if _, err := s.callLocked([]byte("!"), CallOptions{}); err != nil {
		return nil, s.abortConnectLocked(err)
	}

	raw, err := s.callLocked([]byte("qXfer:features:read:target.xml:0,9999"), CallOptions{})
	if err != nil {
		return nil, s.abortConnectLocked(err)
	}
	if len(raw) == 0 {
		return nil, s.abortConnectLocked(fmt.Errorf("%w: empty feature description response", ErrProtocolViolation))
	}

	// The first response byte is the qXfer continuation marker and is stripped.
	desc, err := parseTargetDescription(raw[1:])
	if err != nil {
		return nil, s.abortConnectLocked(err)
	}

	s.stateMu.Lock()
	s.desc = desc
	s.execState = StatePaused
	s.stateMu.Unlock()

	log.Info("connected", "architecture", desc.Architecture, "registers", len(desc.Registers))
	s.observer.OnTargetDescriptionUpdated(desc)
	s.observer.OnStateUpdated(StatePaused)
	return desc, nil
}

// abortConnectLocked tears down a partially established connection. The
// observer is not notified: it never saw the session connected.
func (s *Session) abortConnectLocked(err error) error {
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.dec.reset()

	s.stateMu.Lock()
	s.connState = Disconnected
	s.execState = StateDisconnected
	s.desc = nil
	s.stateMu.Unlock()

	return fmt.Errorf("%w: %w", ErrConnectFailed, err)
}

// Disconnect closes the transport and notifies the observer. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	if s.transport == nil {
		return
	}
	_ = s.transport.Close()
	s.transport = nil
	s.dec.reset()

	s.stateMu.Lock()
	id := s.id
	s.connState = Disconnected
	s.execState = StateDisconnected
	s.desc = nil
	s.stateMu.Unlock()

	s.log.Info("disconnected", "session", id)
	s.observer.OnStateUpdated(StateDisconnected)
}

// Call executes one synchronous protocol request: drain stale notifications,
// send the framed payload, optionally wait for the acknowledgment byte, and
// block until the router yields a non-notification packet. Any transport
// failure forces an immediate disconnect; the call is never silently retried.
func (s *Session) Call(payload []byte, opts CallOptions) ([]byte, error) {
	if !s.inCall.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: a call is already awaiting its response", ErrProtocolViolation)
	}
	defer s.inCall.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.callLocked(payload, opts)
	if err != nil && IsTransportError(err) {
		s.disconnectLocked()
	}
	return resp, err
}

func (s *Session) callLocked(payload []byte, opts CallOptions) ([]byte, error) {
	if s.transport == nil {
		return nil, ErrNotConnected
	}

	// Drain already-buffered notifications so a stale stop or log packet is
	// never mistaken for this call's response.
	if err := s.drainLocked(); err != nil {
		return nil, err
	}

	s.log.V(1).Info("call", "payload", string(payload))
	if err := s.transport.Send(encodePacket(payload)); err != nil {
		return nil, err
	}

	if opts.WaitForAck {
		b, err := s.transport.RecvAck()
		if err != nil {
			return nil, err
		}
		if b != ackByte {
			return nil, fmt.Errorf("%w: expected acknowledgment, got %#02x", ErrProtocolViolation, b)
		}
	}

	if opts.NoResponse {
		return nil, nil
	}
	return s.awaitResponseLocked()
}

func (s *Session) awaitResponseLocked() ([]byte, error) {
	for {
		pkts, derr := s.dec.drain()
		if resp, found := s.router.sift(pkts); found {
			if derr != nil {
				s.log.Error(derr, "frame error behind response packet")
			}
			s.log.V(1).Info("response", "payload", string(resp))
			return resp, nil
		}
		if derr != nil {
			// The damaged frame may have been this call's response; fail the
			// call rather than wait out the timeout.
			return nil, derr
		}

		data, err := s.transport.Recv()
		if err != nil {
			return nil, err
		}
		s.dec.feed(data)
	}
}

// drainLocked consumes whatever bytes are already buffered without blocking,
// routing notifications to the observer and discarding stray responses.
func (s *Session) drainLocked() error {
	for {
		has, err := s.transport.PeekHasData()
		if err != nil {
			return err
		}
		if !has {
			break
		}
		data, err := s.transport.Recv()
		if err != nil {
			return err
		}
		s.dec.feed(data)
	}

	pkts, derr := s.dec.drain()
	if resp, found := s.router.sift(pkts); found {
		s.log.Info("discarding unexpected response packet", "payload", string(resp))
	}
	if derr != nil {
		// A damaged stale frame has no pending call to fail.
		s.log.Error(derr, "discarding damaged buffered frame")
	}
	return nil
}

// Poll drains and classifies buffered notifications without issuing a
// request. It never blocks: when a call is in progress the poll is skipped,
// since the call's own receive loop routes notifications. Poll is how stop
// and log events reach the observer while the target is running.
func (s *Session) Poll() error {
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()

	if s.transport == nil {
		return ErrNotConnected
	}

	if err := s.drainLocked(); err != nil {
		s.disconnectLocked()
		return err
	}
	return nil
}

// Interrupt sends the raw interrupt byte, bypassing packet framing entirely,
// then blocks until the resulting stop notification arrives.
func (s *Session) Interrupt() error {
	if !s.inCall.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: a call is already awaiting its response", ErrProtocolViolation)
	}
	defer s.inCall.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return ErrNotConnected
	}

	if err := s.transport.SendRaw(interruptByte); err != nil {
		s.disconnectLocked()
		return err
	}

	seen := s.router.stops
	for {
		pkts, derr := s.dec.drain()
		if resp, found := s.router.sift(pkts); found {
			s.log.Info("ignoring response packet while awaiting stop", "payload", string(resp))
		}
		if s.router.stops > seen {
			return nil
		}
		if derr != nil {
			return derr
		}

		data, err := s.transport.Recv()
		if err != nil {
			s.disconnectLocked()
			return err
		}
		s.dec.feed(data)
	}
}

// handleStop is the router's stop-notification hook. It runs before any
// pending response is delivered, so the observer sees the pause first.
func (s *Session) handleStop() {
	s.stateMu.Lock()
	s.execState = StatePaused
	s.stateMu.Unlock()
	s.observer.OnStateUpdated(StatePaused)
}

func (s *Session) setConnState(state ConnectionState) {
	s.stateMu.Lock()
	s.connState = state
	s.stateMu.Unlock()
}

// ID returns the correlation id of the current (or last) connection.
func (s *Session) ID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.id
}

func (s *Session) ConnectionState() ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.connState
}

func (s *Session) ExecutionState() ExecutionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.execState
}

// TargetDescription returns the register catalog learned at connect time, or
// nil while disconnected.
func (s *Session) TargetDescription() *TargetDescription {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.desc
}
