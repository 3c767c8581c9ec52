// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrConnectFailed is returned when the connect sequence (dial, handshake,
	// or session setup calls) does not complete. The session is left disconnected.
	ErrConnectFailed = errors.New("connect failed")

	// ErrHandshakeFailed is returned when the target does not answer the initial
	// connection with the acknowledgment byte.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrConnectionLost is returned when the underlying stream is closed or
	// errors during any I/O. It always forces a disconnect.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTimeout is returned when no data arrives within the configured read
	// timeout. A timeout during a call forces a disconnect.
	ErrTimeout = errors.New("receive timeout")

	// ErrMalformedFrame is returned when incoming bytes do not form a clean
	// $payload#cc frame.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrChecksumMismatch is returned when the checksum digits of a received
	// frame disagree with the computed payload checksum. The frame is discarded.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNotConnected is returned when an operation requires a connected session.
	ErrNotConnected = errors.New("not connected")

	// ErrProtocolViolation is returned when the target (or the caller) breaks
	// the request/response discipline, e.g. a call issued while another call
	// is awaiting its response.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnsupported is returned when the target answers a request with an
	// empty packet, the stub convention for a recognized but unimplemented
	// operation (hardware breakpoints on a target without comparators, for
	// example).
	ErrUnsupported = errors.New("unsupported by target")

	// ErrRequestFailed is returned when the target answers a request with an
	// Exx error reply.
	ErrRequestFailed = errors.New("target rejected request")
)

// IsTransportError returns true if the error indicates the byte stream itself
// failed. Transport errors force the session onto its disconnect path.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrTimeout)
}

// IsFrameError returns true if the error indicates a damaged or unparseable
// frame. Frame errors fail the pending call but leave the connection open.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrChecksumMismatch)
}

// wrapStreamError maps raw stream errors onto the session taxonomy.
func wrapStreamError(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: stream closed", ErrConnectionLost)
	}

	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
