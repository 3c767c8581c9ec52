// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import "fmt"

// BreakpointKind selects the Z/z packet variant. The numeric values are the
// wire encoding and must not be reordered.
type BreakpointKind int

const (
	BreakpointSoftware BreakpointKind = iota
	BreakpointHardware
	BreakpointReadWatch
	BreakpointWriteWatch
	BreakpointAccessWatch
)

func (k BreakpointKind) String() string {
	switch k {
	case BreakpointSoftware:
		return "soft"
	case BreakpointHardware:
		return "hard"
	case BreakpointReadWatch:
		return "read"
	case BreakpointWriteWatch:
		return "write"
	case BreakpointAccessWatch:
		return "access"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseBreakpointKind maps user-facing kind names to the wire encoding.
func ParseBreakpointKind(s string) (BreakpointKind, error) {
	switch s {
	case "soft":
		return BreakpointSoftware, nil
	case "hard":
		return BreakpointHardware, nil
	case "read":
		return BreakpointReadWatch, nil
	case "write":
		return BreakpointWriteWatch, nil
	case "access":
		return BreakpointAccessWatch, nil
	default:
		return 0, fmt.Errorf("unknown breakpoint kind %q (want soft, hard, read, write, or access)", s)
	}
}
