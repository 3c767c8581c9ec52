// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/go-logr/logr"
)

// Frame layout is $<payload>#<2-hex-digit checksum>. The checksum is the sum
// of the payload bytes as transmitted (after escaping) modulo 256. Payload
// bytes equal to '$', '#', '}' or '*' are escaped as '}' followed by the byte
// XOR 0x20. A '*' in a received payload introduces run-length encoding: the
// following byte minus 29 gives the number of additional repeats of the
// preceding byte.
const (
	frameStart = byte('$')
	frameEnd   = byte('#')
	escapeByte = byte('}')
	rleByte    = byte('*')

	ackByte       = byte('+')
	nakByte       = byte('-')
	interruptByte = byte(0x03)
)

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

func needsEscape(b byte) bool {
	return b == frameStart || b == frameEnd || b == escapeByte || b == rleByte
}

// encodePacket escapes the payload and wraps it into a wire frame.
func encodePacket(payload []byte) []byte {
	escaped := make([]byte, 0, len(payload)+4)
	for _, b := range payload {
		if needsEscape(b) {
			escaped = append(escaped, escapeByte, b^0x20)
		} else {
			escaped = append(escaped, b)
		}
	}

	frame := make([]byte, 0, len(escaped)+4)
	frame = append(frame, frameStart)
	frame = append(frame, escaped...)
	frame = append(frame, frameEnd)
	return fmt.Appendf(frame, "%02x", checksum(escaped))
}

// unescapePayload reverses escaping and expands run-length encoding.
func unescapePayload(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case escapeByte:
			if i+1 >= len(data) {
				return nil, fmt.Errorf("%w: truncated escape sequence", ErrMalformedFrame)
			}
			i++
			out = append(out, data[i]^0x20)

		case rleByte:
			if i+1 >= len(data) {
				return nil, fmt.Errorf("%w: truncated run-length encoding", ErrMalformedFrame)
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: run-length encoding with no preceding byte", ErrMalformedFrame)
			}
			i++
			repeat := int(data[i]) - 29
			if repeat < 1 {
				return nil, fmt.Errorf("%w: invalid run-length count %#02x", ErrMalformedFrame, data[i])
			}
			last := out[len(out)-1]
			for n := 0; n < repeat; n++ {
				out = append(out, last)
			}

		default:
			out = append(out, data[i])
		}
	}
	return out, nil
}

// decoder extracts frames from a raw byte stream. A single feed may contain
// zero, one, or several concatenated frames, and a frame may span multiple
// feeds; the decoder keeps partial data across calls.
type decoder struct {
	buf []byte
	log logr.Logger
}

func newDecoder(log logr.Logger) decoder {
	return decoder{log: log}
}

func (d *decoder) feed(data []byte) {
	d.buf = append(d.buf, data...)
}

func (d *decoder) reset() {
	d.buf = nil
}

// next returns the payload of the next complete frame in the buffer.
// ok is false when no complete frame is available yet. A frame error
// (bad checksum, unparseable payload) discards the frame and is returned
// to the caller; decoding can continue with the following frame.
func (d *decoder) next() (payload []byte, ok bool, err error) {
	end := bytes.IndexByte(d.buf, frameEnd)
	if end < 0 || end+3 > len(d.buf) {
		// No complete frame yet; checksum digits may still be in flight.
		return nil, false, nil
	}

	raw := d.buf[:end]
	sumDigits := d.buf[end+1 : end+3]
	d.buf = d.buf[end+3:]

	start := bytes.LastIndexByte(raw, frameStart)
	if start < 0 {
		return nil, false, fmt.Errorf("%w: no frame start in %q", ErrMalformedFrame, raw)
	}
	if start > 0 {
		// Garbage between frames is discarded, but not silently.
		d.log.Error(nil, "discarding malformed data before frame start", "data", string(raw[:start]))
	}

	body := raw[start+1:]

	var sum [1]byte
	if _, decErr := hex.Decode(sum[:], sumDigits); decErr != nil {
		return nil, false, fmt.Errorf("%w: bad checksum digits %q", ErrMalformedFrame, sumDigits)
	}
	if want := checksum(body); sum[0] != want {
		return nil, false, fmt.Errorf("%w: got %02x, computed %02x for %q",
			ErrChecksumMismatch, sum[0], want, body)
	}

	payload, unescErr := unescapePayload(body)
	if unescErr != nil {
		return nil, false, unescErr
	}
	return payload, true, nil
}

// drain returns every complete frame currently buffered. If a frame error is
// hit, the packets decoded before it are returned together with the error.
func (d *decoder) drain() ([][]byte, error) {
	var pkts [][]byte
	for {
		pkt, ok, err := d.next()
		if err != nil {
			return pkts, err
		}
		if !ok {
			return pkts, nil
		}
		pkts = append(pkts, pkt)
	}
}
