// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Register describes one entry of the target register catalog.
type Register struct {
	Name    string
	BitSize int
}

// TargetDescription is the register catalog learned once at connect time from
// the target feature-description payload. Immutable after connect.
type TargetDescription struct {
	Architecture string
	Registers    []Register

	// Raw is the feature XML exactly as served by the target. The
	// presentation layer persists it to a well-known file.
	Raw []byte
}

// rv32Registers is the canonical RV32I catalog, used when the target serves a
// feature document without explicit <reg> entries (OpenOCD commonly answers
// the offset form with an include-only document). Protocol numbering: x0-x31
// then the pc as register 32.
var rv32Registers = func() []Register {
	names := []string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
		"pc",
	}
	regs := make([]Register, len(names))
	for i, name := range names {
		regs[i] = Register{Name: name, BitSize: 32}
	}
	return regs
}()

// parseTargetDescription extracts the register catalog from the feature XML.
// <reg> elements are collected in document order regardless of nesting depth.
func parseTargetDescription(raw []byte) (*TargetDescription, error) {
	desc := &TargetDescription{
		Raw: bytes.Clone(raw),
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid feature description: %v", ErrProtocolViolation, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "architecture":
			var arch string
			if err := dec.DecodeElement(&arch, &start); err == nil {
				desc.Architecture = strings.TrimSpace(arch)
			}

		case "reg":
			reg := Register{}
			for _, attr := range start.Attr {
				switch attr.Name.Local {
				case "name":
					reg.Name = attr.Value
				case "bitsize":
					fmt.Sscanf(attr.Value, "%d", &reg.BitSize)
				}
			}
			if reg.Name != "" && reg.BitSize > 0 {
				desc.Registers = append(desc.Registers, reg)
			}
		}
	}

	if len(desc.Registers) == 0 {
		desc.Registers = rv32Registers
	}
	return desc, nil
}

// RegisterSnapshot holds one value per TargetDescription entry, captured on
// each pause.
type RegisterSnapshot []uint64

// decodeRegisters decodes the hex payload of a 'g' response: each register is
// BitSize/8 bytes, little-endian, in catalog order. A short payload yields the
// registers that were transmitted.
func decodeRegisters(payload []byte, desc *TargetDescription) (RegisterSnapshot, error) {
	buf, err := hex.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable register payload: %v", ErrProtocolViolation, err)
	}

	snapshot := make(RegisterSnapshot, 0, len(desc.Registers))
	pos := 0
	for _, reg := range desc.Registers {
		width := reg.BitSize / 8
		if width <= 0 || width > 8 || pos+width > len(buf) {
			break
		}
		snapshot = append(snapshot, decodeUintLE(buf[pos:pos+width]))
		pos += width
	}
	return snapshot, nil
}

func decodeUintLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func encodeUintLE(v uint64, width int) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return tmp[:width]
}
