// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const (
	// DefaultReadTimeout bounds every blocking receive so a non-responsive
	// target fails the call instead of hanging the session forever.
	DefaultReadTimeout = 10 * time.Second

	// defaultDialRetryWindow bounds the connect-time dial retry. Debug servers
	// (OpenOCD, emulators) are often still binding their port when the client
	// starts, so the first dial attempt is allowed to fail briefly.
	defaultDialRetryWindow = 2 * time.Second

	// peekDeadline bounds the non-blocking probe read in PeekHasData. It must
	// be positive: an already-expired deadline fails the read without ever
	// draining buffered bytes.
	peekDeadline = time.Millisecond

	recvBufferSize = 32 * 1024
)

// Transport owns the raw byte-stream connection to the target. It is used
// exclusively by a single Session; implementations are not safe for
// concurrent use.
type Transport interface {
	// Handshake reads exactly one byte and requires it to be the
	// acknowledgment character.
	Handshake() error

	// Send writes a complete framed packet.
	Send(frame []byte) error

	// SendRaw writes a single unframed byte. This is the one place the
	// protocol is not packet-oriented: the 0x03 interrupt bypasses framing.
	SendRaw(b byte) error

	// RecvAck reads the one-byte acknowledgment of a sent packet.
	RecvAck() (byte, error)

	// Recv returns the next chunk of raw bytes, blocking up to the read timeout.
	Recv() ([]byte, error)

	// PeekHasData reports whether unread bytes are available without blocking.
	// Peeked bytes are stashed and returned by the next Recv.
	PeekHasData() (bool, error)

	Close() error
}

// TransportConfig holds the tunables for DialTCP.
type TransportConfig struct {
	// ReadTimeout bounds blocking receives. Defaults to DefaultReadTimeout.
	ReadTimeout time.Duration

	// DialRetryWindow bounds the connect-time dial retry. Zero means the
	// default window; negative disables retrying.
	DialRetryWindow time.Duration

	// Logger for wire-level tracing.
	Logger logr.Logger
}

type tcpTransport struct {
	conn        net.Conn
	readTimeout time.Duration
	log         logr.Logger

	// peeked holds bytes consumed by PeekHasData and not yet returned by Recv.
	peeked []byte
	rbuf   []byte

	closed bool
	mu     sync.Mutex
}

// DialTCP establishes the byte-stream connection to the target. Nagle's
// algorithm is disabled so small command packets are flushed immediately.
func DialTCP(ctx context.Context, address string, config TransportConfig) (Transport, error) {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	readTimeout := config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	retryWindow := config.DialRetryWindow
	if retryWindow == 0 {
		retryWindow = defaultDialRetryWindow
	}

	var d net.Dialer
	dial := func() (net.Conn, error) {
		return d.DialContext(ctx, "tcp", address)
	}

	var conn net.Conn
	var dialErr error
	if retryWindow < 0 {
		conn, dialErr = dial()
	} else {
		b := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(500*time.Millisecond),
			backoff.WithMaxElapsedTime(retryWindow),
		), ctx)
		conn, dialErr = backoff.RetryWithData(dial, b)
	}
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.V(1).Info("failed to disable send coalescing", "error", err)
		}
	}

	return &tcpTransport{
		conn:        conn,
		readTimeout: readTimeout,
		log:         log,
		rbuf:        make([]byte, recvBufferSize),
	}, nil
}

func (t *tcpTransport) Handshake() error {
	b, err := t.readByte()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if b != ackByte {
		return fmt.Errorf("%w: unexpected byte %#02x", ErrHandshakeFailed, b)
	}
	return nil
}

func (t *tcpTransport) Send(frame []byte) error {
	t.log.V(1).Info("send", "frame", string(frame))
	if _, err := t.conn.Write(frame); err != nil {
		return wrapStreamError(err)
	}
	return nil
}

func (t *tcpTransport) SendRaw(b byte) error {
	t.log.V(1).Info("send raw byte", "byte", fmt.Sprintf("%#02x", b))
	if _, err := t.conn.Write([]byte{b}); err != nil {
		return wrapStreamError(err)
	}
	return nil
}

func (t *tcpTransport) RecvAck() (byte, error) {
	return t.readByte()
}

func (t *tcpTransport) readByte() (byte, error) {
	if len(t.peeked) > 0 {
		b := t.peeked[0]
		t.peeked = t.peeked[1:]
		return b, nil
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return 0, wrapStreamError(err)
	}

	var buf [1]byte
	for {
		n, err := t.conn.Read(buf[:])
		if n == 1 {
			return buf[0], nil
		}
		if err != nil {
			return 0, wrapStreamError(err)
		}
	}
}

func (t *tcpTransport) Recv() ([]byte, error) {
	if len(t.peeked) > 0 {
		data := t.peeked
		t.peeked = nil
		return data, nil
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return nil, wrapStreamError(err)
	}

	n, err := t.conn.Read(t.rbuf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, t.rbuf[:n])
		t.log.V(1).Info("recv", "data", string(data))
		return data, nil
	}
	return nil, wrapStreamError(err)
}

func (t *tcpTransport) PeekHasData() (bool, error) {
	if len(t.peeked) > 0 {
		return true, nil
	}

	// An already-expired deadline makes the runtime fail the read before it
	// ever looks at the socket, so buffered bytes would never be seen. A
	// short positive deadline returns buffered data immediately and times
	// out almost as fast when nothing is pending.
	if err := t.conn.SetReadDeadline(time.Now().Add(peekDeadline)); err != nil {
		return false, wrapStreamError(err)
	}

	n, err := t.conn.Read(t.rbuf)
	if n > 0 {
		t.peeked = append(t.peeked, t.rbuf[:n]...)
		return true, nil
	}

	wrapped := wrapStreamError(err)
	if errors.Is(wrapped, ErrTimeout) {
		return false, nil
	}
	return false, wrapped
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
