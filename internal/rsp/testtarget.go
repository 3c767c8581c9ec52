// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// TestTarget is an in-process GDB RSP endpoint for testing purposes. It
// implements the connect handshake, per-packet acknowledgments while in ack
// mode, the raw 0x03 interrupt, and a small memory/register model, and can be
// scripted to inject notifications or drop the connection mid-call.
type TestTarget struct {
	ln  net.Listener
	log logr.Logger

	mu           sync.Mutex
	conn         net.Conn
	noAck        bool
	running      bool
	mem          map[uint64]byte
	regs         []uint64
	featureXML   string
	handlers     map[string]func(cmd string) (string, bool)
	notifyBefore map[string]string
	dropOn       map[string]bool

	wg sync.WaitGroup
}

// NewTestTarget starts a stub target listening on a loopback port.
func NewTestTarget(log logr.Logger) (*TestTarget, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	tt := &TestTarget{
		ln:           ln,
		log:          log,
		mem:          make(map[uint64]byte),
		regs:         make([]uint64, 33),
		featureXML:   `<target><architecture>riscv:rv32</architecture></target>`,
		handlers:     make(map[string]func(cmd string) (string, bool)),
		notifyBefore: make(map[string]string),
		dropOn:       make(map[string]bool),
	}

	tt.wg.Add(1)
	go tt.serve()
	return tt, nil
}

// Addr returns the listen address for Session.Connect.
func (tt *TestTarget) Addr() string {
	return tt.ln.Addr().String()
}

// Handle overrides the default handler for commands with the given prefix.
// The handler returns the reply payload and whether a reply should be sent.
func (tt *TestTarget) Handle(prefix string, fn func(cmd string) (string, bool)) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.handlers[prefix] = fn
}

// NotifyBefore injects a notification frame ahead of the reply to the next
// command matching prefix.
func (tt *TestTarget) NotifyBefore(prefix, payload string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.notifyBefore[prefix] = payload
}

// DropOn closes the client connection, without replying, when a command with
// the given prefix arrives.
func (tt *TestTarget) DropOn(prefix string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.dropOn[prefix] = true
}

// SetFeatureXML replaces the served target description document.
func (tt *TestTarget) SetFeatureXML(xml string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.featureXML = xml
}

// SetMemory seeds the memory model.
func (tt *TestTarget) SetMemory(addr uint64, data []byte) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for i, b := range data {
		tt.mem[addr+uint64(i)] = b
	}
}

// Memory reads back the memory model.
func (tt *TestTarget) Memory(addr uint64, size int) []byte {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = tt.mem[addr+uint64(i)]
	}
	return buf
}

// SetRegister seeds the register model.
func (tt *TestTarget) SetRegister(id int, v uint64) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.regs[id] = v
}

// SendStop injects an asynchronous stop notification.
func (tt *TestTarget) SendStop() error {
	return tt.sendFrame("T05thread:01;")
}

// SendOutput injects an asynchronous console output notification.
func (tt *TestTarget) SendOutput(text string) error {
	return tt.sendFrame("O" + hex.EncodeToString([]byte(text)))
}

// SendBytes injects raw bytes, bypassing framing. Used to exercise the
// client's handling of damaged input.
func (tt *TestTarget) SendBytes(data []byte) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.conn == nil {
		return fmt.Errorf("no client connected")
	}
	_, err := tt.conn.Write(data)
	return err
}

// CloseConn drops the client connection, simulating a dying target.
func (tt *TestTarget) CloseConn() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.conn != nil {
		_ = tt.conn.Close()
		tt.conn = nil
	}
}

// Close shuts the stub down.
func (tt *TestTarget) Close() {
	_ = tt.ln.Close()
	tt.CloseConn()
	tt.wg.Wait()
}

func (tt *TestTarget) sendFrame(payload string) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.conn == nil {
		return fmt.Errorf("no client connected")
	}
	_, err := tt.conn.Write(encodePacket([]byte(payload)))
	return err
}

func (tt *TestTarget) serve() {
	defer tt.wg.Done()

	for {
		conn, err := tt.ln.Accept()
		if err != nil {
			return
		}

		tt.mu.Lock()
		tt.conn = conn
		tt.noAck = false
		tt.mu.Unlock()

		// Handshake: the client expects one acknowledgment byte on connect.
		if _, err := conn.Write([]byte{ackByte}); err != nil {
			continue
		}

		tt.serveConn(conn)
	}
}

func (tt *TestTarget) serveConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		cmd, interrupted, err := readTestFrame(r)
		if err != nil {
			return
		}

		if interrupted {
			tt.mu.Lock()
			tt.running = false
			tt.mu.Unlock()
			_ = tt.sendFrame("T02thread:01;")
			continue
		}

		tt.mu.Lock()
		noAck := tt.noAck
		tt.mu.Unlock()
		if !noAck {
			if _, err := conn.Write([]byte{ackByte}); err != nil {
				return
			}
		}

		if tt.shouldDrop(cmd) {
			tt.CloseConn()
			return
		}

		if notify := tt.takeNotifyBefore(cmd); notify != "" {
			_ = tt.sendFrame(notify)
		}

		resp, send := tt.dispatch(cmd)
		if send {
			if err := tt.sendFrame(resp); err != nil {
				return
			}
		}
	}
}

func (tt *TestTarget) shouldDrop(cmd string) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for prefix := range tt.dropOn {
		if strings.HasPrefix(cmd, prefix) {
			delete(tt.dropOn, prefix)
			return true
		}
	}
	return false
}

func (tt *TestTarget) takeNotifyBefore(cmd string) string {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for prefix, payload := range tt.notifyBefore {
		if strings.HasPrefix(cmd, prefix) {
			delete(tt.notifyBefore, prefix)
			return payload
		}
	}
	return ""
}

func (tt *TestTarget) dispatch(cmd string) (string, bool) {
	tt.mu.Lock()
	for prefix, fn := range tt.handlers {
		if strings.HasPrefix(cmd, prefix) {
			tt.mu.Unlock()
			return fn(cmd)
		}
	}
	tt.mu.Unlock()

	switch {
	case cmd == "QStartNoAckMode":
		// The reply to this request is still acknowledged; the switch takes
		// effect for the following packet.
		defer func() {
			tt.mu.Lock()
			tt.noAck = true
			tt.mu.Unlock()
		}()
		return "OK", true

	case cmd == "!":
		return "OK", true

	case strings.HasPrefix(cmd, "qXfer:features:read:"):
		tt.mu.Lock()
		defer tt.mu.Unlock()
		return "l" + tt.featureXML, true

	case strings.HasPrefix(cmd, "qRcmd,"):
		return "OK", true

	case cmd == "g":
		tt.mu.Lock()
		defer tt.mu.Unlock()
		var sb strings.Builder
		for _, v := range tt.regs {
			sb.WriteString(hex.EncodeToString(encodeUintLE(v, 4)))
		}
		return sb.String(), true

	case strings.HasPrefix(cmd, "p"):
		var id int
		if _, err := fmt.Sscanf(cmd[1:], "%x", &id); err != nil {
			return "E01", true
		}
		tt.mu.Lock()
		defer tt.mu.Unlock()
		if id < 0 || id >= len(tt.regs) {
			return "E01", true
		}
		return hex.EncodeToString(encodeUintLE(tt.regs[id], 4)), true

	case strings.HasPrefix(cmd, "m"):
		var addr uint64
		var size int
		if _, err := fmt.Sscanf(cmd[1:], "%x,%x", &addr, &size); err != nil {
			return "E01", true
		}
		tt.mu.Lock()
		defer tt.mu.Unlock()
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = tt.mem[addr+uint64(i)]
		}
		return hex.EncodeToString(buf), true

	case strings.HasPrefix(cmd, "M"):
		body, dataHex, ok := strings.Cut(cmd[1:], ":")
		if !ok {
			return "E01", true
		}
		var addr uint64
		var size int
		if _, err := fmt.Sscanf(body, "%x,%x", &addr, &size); err != nil {
			return "E01", true
		}
		data, err := hex.DecodeString(dataHex)
		if err != nil || len(data) != size {
			return "E02", true
		}
		tt.mu.Lock()
		defer tt.mu.Unlock()
		for i, b := range data {
			tt.mem[addr+uint64(i)] = b
		}
		return "OK", true

	case strings.HasPrefix(cmd, "Z"), strings.HasPrefix(cmd, "z"):
		return "OK", true

	case strings.HasPrefix(cmd, "vCont;c"), cmd == "s":
		// Fire-and-forget: no immediate reply. The test injects the stop.
		tt.mu.Lock()
		tt.running = true
		tt.mu.Unlock()
		return "", false

	default:
		tt.log.V(1).Info("unhandled test target command", "cmd", cmd)
		return "", true
	}
}

// readTestFrame reads one frame, acknowledgment, or interrupt byte.
func readTestFrame(r *bufio.Reader) (cmd string, interrupted bool, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}

		switch b {
		case interruptByte:
			return "", true, nil
		case ackByte, nakByte:
			continue
		case frameStart:
		default:
			continue
		}

		var payload []byte
		for {
			b, err := r.ReadByte()
			if err != nil {
				return "", false, err
			}
			if b == frameEnd {
				break
			}
			payload = append(payload, b)
		}

		var sumDigits [2]byte
		if _, err := io.ReadFull(r, sumDigits[:]); err != nil {
			return "", false, err
		}
		var sum [1]byte
		if _, err := hex.Decode(sum[:], sumDigits[:]); err != nil {
			return "", false, fmt.Errorf("bad checksum digits: %w", err)
		}
		if sum[0] != checksum(payload) {
			return "", false, fmt.Errorf("checksum mismatch in %q", payload)
		}

		unescaped, err := unescapePayload(payload)
		if err != nil {
			return "", false, err
		}
		return string(unescaped), false, nil
	}
}
