// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// resetSettleDelay gives the target time to come out of reset before the
// session reports it paused again.
const resetSettleDelay = time.Second

// respError detects the Exx target error reply.
func respError(resp []byte) error {
	if len(resp) == 3 && resp[0] == 'E' && isHexDigit(resp[1]) && isHexDigit(resp[2]) {
		return fmt.Errorf("%w: %s", ErrRequestFailed, resp)
	}
	return nil
}

func expectOK(resp []byte) error {
	if err := respError(resp); err != nil {
		return err
	}
	if string(resp) != "OK" {
		return fmt.Errorf("%w: expected OK, got %q", ErrProtocolViolation, resp)
	}
	return nil
}

// expectBreakpointOK is expectOK plus the stub convention that an empty reply
// to Z/z means the breakpoint kind is not implemented by this target.
func expectBreakpointOK(resp []byte, kind BreakpointKind) error {
	if len(resp) == 0 {
		return fmt.Errorf("%w: breakpoint kind %s", ErrUnsupported, kind)
	}
	return expectOK(resp)
}

// ReadMemory reads size bytes at addr with a single request. Bytes are
// returned in transmitted order; the target may return fewer than requested.
func (s *Session) ReadMemory(addr uint64, size int) ([]byte, error) {
	resp, err := s.Call(fmt.Appendf(nil, "m%x,%x", addr, size), CallOptions{})
	if err != nil {
		return nil, err
	}
	if err := respError(resp); err != nil {
		return nil, err
	}
	data, decErr := hex.DecodeString(string(resp))
	if decErr != nil {
		return nil, fmt.Errorf("%w: undecodable memory payload: %v", ErrProtocolViolation, decErr)
	}
	return data, nil
}

// WriteMemory writes data to target memory at addr with a single request.
func (s *Session) WriteMemory(addr uint64, data []byte) error {
	resp, err := s.Call(fmt.Appendf(nil, "M%x,%x:%x", addr, len(data), data), CallOptions{})
	if err != nil {
		return err
	}
	return expectOK(resp)
}

// ReadBulk reads size bytes starting at addr, splitting the range into
// chunk-sized requests so frame-size limits of the target are respected.
func (s *Session) ReadBulk(addr uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for size > 0 {
		data, err := s.ReadMemory(addr, min(size, s.chunkSize))
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty memory read reply at %#x", ErrProtocolViolation, addr)
		}
		out = append(out, data...)
		addr += uint64(len(data))
		size -= len(data)
	}
	return out, nil
}

// WriteBulk writes data starting at addr in chunk-sized requests.
func (s *Session) WriteBulk(addr uint64, data []byte) error {
	for pos := 0; pos < len(data); pos += s.chunkSize {
		end := min(pos+s.chunkSize, len(data))
		if err := s.WriteMemory(addr+uint64(pos), data[pos:end]); err != nil {
			return err
		}
	}
	return nil
}

// ReadToFile dumps size bytes at addr into path.
func (s *Session) ReadToFile(addr uint64, size int, path string) error {
	data, err := s.ReadBulk(addr, size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteFromFile loads the contents of path into target memory at addr.
// maxSize < 0 means the whole file.
func (s *Session) WriteFromFile(addr uint64, path string, maxSize int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if maxSize >= 0 && len(data) > maxSize {
		data = data[:maxSize]
	}
	return s.WriteBulk(addr, data)
}

func (s *Session) readUint(addr uint64, width int) (uint64, error) {
	data, err := s.ReadMemory(addr, width)
	if err != nil {
		return 0, err
	}
	if len(data) < width {
		return 0, fmt.Errorf("%w: short memory read (%d of %d bytes)", ErrProtocolViolation, len(data), width)
	}
	return decodeUintLE(data[:width]), nil
}

func (s *Session) writeUint(addr uint64, v uint64, width int) error {
	return s.WriteMemory(addr, encodeUintLE(v, width))
}

func (s *Session) ReadUint8(addr uint64) (uint8, error) {
	v, err := s.readUint(addr, 1)
	return uint8(v), err
}

func (s *Session) ReadUint16(addr uint64) (uint16, error) {
	v, err := s.readUint(addr, 2)
	return uint16(v), err
}

func (s *Session) ReadUint32(addr uint64) (uint32, error) {
	v, err := s.readUint(addr, 4)
	return uint32(v), err
}

func (s *Session) ReadUint64(addr uint64) (uint64, error) {
	return s.readUint(addr, 8)
}

func (s *Session) WriteUint8(addr uint64, v uint8) error   { return s.writeUint(addr, uint64(v), 1) }
func (s *Session) WriteUint16(addr uint64, v uint16) error { return s.writeUint(addr, uint64(v), 2) }
func (s *Session) WriteUint32(addr uint64, v uint32) error { return s.writeUint(addr, uint64(v), 4) }
func (s *Session) WriteUint64(addr uint64, v uint64) error { return s.writeUint(addr, v, 8) }

// ReadRegisters reads every register in catalog order.
func (s *Session) ReadRegisters() (RegisterSnapshot, error) {
	desc := s.TargetDescription()
	if desc == nil {
		return nil, ErrNotConnected
	}
	resp, err := s.Call([]byte{'g'}, CallOptions{})
	if err != nil {
		return nil, err
	}
	if err := respError(resp); err != nil {
		return nil, err
	}
	return decodeRegisters(resp, desc)
}

// ReadRegister reads a single register by its protocol number.
func (s *Session) ReadRegister(id int) (uint64, error) {
	resp, err := s.Call(fmt.Appendf(nil, "p%02x", id), CallOptions{})
	if err != nil {
		return 0, err
	}
	if err := respError(resp); err != nil {
		return 0, err
	}
	buf, decErr := hex.DecodeString(string(resp))
	if decErr != nil {
		return 0, fmt.Errorf("%w: undecodable register payload: %v", ErrProtocolViolation, decErr)
	}
	return decodeUintLE(buf), nil
}

// Resume continues execution. The request is fire-and-forget: the running
// state is set optimistically and corrected by the next stop notification.
func (s *Session) Resume() error {
	if _, err := s.Call([]byte("vCont;c"), CallOptions{NoResponse: true}); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.execState = StateRunning
	s.stateMu.Unlock()
	s.observer.OnStateUpdated(StateRunning)
	return nil
}

// Step executes a single instruction. Fire-and-forget: completion is
// reported by the stop notification.
func (s *Session) Step() error {
	_, err := s.Call([]byte{'s'}, CallOptions{NoResponse: true})
	return err
}

// AddBreakpoint forwards an idempotent insert request; the core keeps no
// local breakpoint table.
func (s *Session) AddBreakpoint(kind BreakpointKind, addr uint64, size int) error {
	resp, err := s.Call(fmt.Appendf(nil, "Z%x,%x,%x", int(kind), addr, size), CallOptions{})
	if err != nil {
		return err
	}
	return expectBreakpointOK(resp, kind)
}

// RemoveBreakpoint forwards an idempotent remove request.
func (s *Session) RemoveBreakpoint(kind BreakpointKind, addr uint64, size int) error {
	resp, err := s.Call(fmt.Appendf(nil, "z%x,%x,%x", int(kind), addr, size), CallOptions{})
	if err != nil {
		return err
	}
	return expectBreakpointOK(resp, kind)
}

// Monitor passes a vendor command through to the remote server. Output may
// arrive as 'O' packets (routed to the observer) with a final OK, or as a
// single hex-encoded reply, which is decoded and returned.
func (s *Session) Monitor(cmd string) (string, error) {
	resp, err := s.Call(fmt.Appendf(nil, "qRcmd,%x", []byte(cmd)), CallOptions{})
	if err != nil {
		return "", err
	}
	if err := respError(resp); err != nil {
		return "", err
	}
	if string(resp) == "OK" {
		return "", nil
	}
	if text, decErr := hex.DecodeString(string(resp)); decErr == nil {
		return string(text), nil
	}
	return string(resp), nil
}

// Reset asks the server to reset and halt the target, then reports it paused
// once the settle delay has elapsed.
func (s *Session) Reset() error {
	if _, err := s.Monitor("reset halt"); err != nil {
		return err
	}
	time.Sleep(resetSettleDelay)

	s.stateMu.Lock()
	s.execState = StatePaused
	s.stateMu.Unlock()
	s.observer.OnStateUpdated(StatePaused)
	return nil
}
