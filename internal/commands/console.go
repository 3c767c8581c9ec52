// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/microsoft/rvdbg/internal/rsp"
)

// ErrQuit is returned by Dispatch when the user asks to leave the console.
var ErrQuit = errors.New("quit requested")

// ConsoleCommand is one entry of the console command table.
type ConsoleCommand struct {
	Name    string
	Usage   string
	Help    string
	MinArgs int
	MaxArgs int
	Run     func(ctx context.Context, c *Console, args []string) error
}

// Console dispatches debugger commands, by name, to typed session operations.
// No command ever reaches an expression evaluator: unknown input is an error.
type Console struct {
	session *rsp.Session
	log     logr.Logger
	out     io.Writer

	// Address is the default target endpoint for a bare "connect".
	Address string

	table []ConsoleCommand
	index map[string]*ConsoleCommand
}

// NewConsole builds the command table around an existing session.
func NewConsole(session *rsp.Session, address string, out io.Writer, log logr.Logger) *Console {
	c := &Console{
		session: session,
		log:     log,
		out:     out,
		Address: address,
	}
	c.table = consoleTable()
	c.index = make(map[string]*ConsoleCommand, len(c.table))
	for i := range c.table {
		c.index[c.table[i].Name] = &c.table[i]
	}
	return c
}

// Commands returns the table in help order.
func (c *Console) Commands() []ConsoleCommand {
	return c.table
}

// Dispatch parses a single console line and runs the matching command.
func (c *Console) Dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := c.index[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}

	args := fields[1:]
	if len(args) < cmd.MinArgs || (cmd.MaxArgs >= 0 && len(args) > cmd.MaxArgs) {
		return fmt.Errorf("usage: %s", cmd.Usage)
	}
	return cmd.Run(ctx, c, args)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// parseNum accepts decimal and prefixed (0x, 0o, 0b) values.
func parseNum(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func consoleTable() []ConsoleCommand {
	return []ConsoleCommand{
		{
			Name: "connect", Usage: "connect [address]",
			Help:    "Connect to a remote target (host:port)",
			MaxArgs: 1,
			Run: func(ctx context.Context, c *Console, args []string) error {
				address := c.Address
				if len(args) == 1 {
					address = args[0]
				}
				desc, err := c.session.Connect(ctx, address)
				if err != nil {
					return err
				}
				c.printf("connected to %s (%s, %d registers)", address, desc.Architecture, len(desc.Registers))
				return nil
			},
		},
		{
			Name: "disconnect", Usage: "disconnect",
			Help: "Close the target connection",
			Run: func(_ context.Context, c *Console, _ []string) error {
				c.session.Disconnect()
				return nil
			},
		},
		{
			Name: "state", Usage: "state",
			Help: "Show connection and execution state",
			Run: func(_ context.Context, c *Console, _ []string) error {
				c.printf("connection: %s", c.session.ConnectionState())
				c.printf("execution:  %s", c.session.ExecutionState())
				if desc := c.session.TargetDescription(); desc != nil {
					c.printf("target:     %s", desc.Architecture)
				}
				if id := c.session.ID(); id != "" {
					c.printf("session:    %s", id)
				}
				return nil
			},
		},
		readCommand("read8", 1, func(c *Console, addr uint64) (uint64, error) {
			v, err := c.session.ReadUint8(addr)
			return uint64(v), err
		}),
		readCommand("read16", 2, func(c *Console, addr uint64) (uint64, error) {
			v, err := c.session.ReadUint16(addr)
			return uint64(v), err
		}),
		readCommand("read32", 4, func(c *Console, addr uint64) (uint64, error) {
			v, err := c.session.ReadUint32(addr)
			return uint64(v), err
		}),
		readCommand("read64", 8, func(c *Console, addr uint64) (uint64, error) {
			return c.session.ReadUint64(addr)
		}),
		writeCommand("write8", func(c *Console, addr, v uint64) error {
			return c.session.WriteUint8(addr, uint8(v))
		}),
		writeCommand("write16", func(c *Console, addr, v uint64) error {
			return c.session.WriteUint16(addr, uint16(v))
		}),
		writeCommand("write32", func(c *Console, addr, v uint64) error {
			return c.session.WriteUint32(addr, uint32(v))
		}),
		writeCommand("write64", func(c *Console, addr, v uint64) error {
			return c.session.WriteUint64(addr, v)
		}),
		{
			Name: "dump", Usage: "dump <addr> <size> <file>",
			Help:    "Dump target memory to a file",
			MinArgs: 3, MaxArgs: 3,
			Run: func(_ context.Context, c *Console, args []string) error {
				addr, err := parseNum(args[0])
				if err != nil {
					return err
				}
				size, err := parseNum(args[1])
				if err != nil {
					return err
				}
				if err := c.session.ReadToFile(addr, int(size), args[2]); err != nil {
					return err
				}
				c.printf("dumped %d bytes from %#x to %s", size, addr, args[2])
				return nil
			},
		},
		{
			Name: "load", Usage: "load <addr> <file> [maxsize]",
			Help:    "Load a file into target memory",
			MinArgs: 2, MaxArgs: 3,
			Run: func(_ context.Context, c *Console, args []string) error {
				addr, err := parseNum(args[0])
				if err != nil {
					return err
				}
				maxSize := -1
				if len(args) == 3 {
					v, err := parseNum(args[2])
					if err != nil {
						return err
					}
					maxSize = int(v)
				}
				if err := c.session.WriteFromFile(addr, args[1], maxSize); err != nil {
					return err
				}
				c.printf("loaded %s at %#x", args[1], addr)
				return nil
			},
		},
		{
			Name: "regs", Usage: "regs",
			Help: "Show all registers",
			Run: func(_ context.Context, c *Console, _ []string) error {
				desc := c.session.TargetDescription()
				snap, err := c.session.ReadRegisters()
				if err != nil {
					return err
				}
				for i, v := range snap {
					name := fmt.Sprintf("r%d", i)
					width := 8
					if desc != nil && i < len(desc.Registers) {
						name = desc.Registers[i].Name
						width = desc.Registers[i].BitSize / 4
					}
					c.printf("%-8s 0x%0*x", name, width, v)
				}
				return nil
			},
		},
		{
			Name: "reg", Usage: "reg <num>",
			Help:    "Read a single register by protocol number",
			MinArgs: 1, MaxArgs: 1,
			Run: func(_ context.Context, c *Console, args []string) error {
				id, err := parseNum(args[0])
				if err != nil {
					return err
				}
				v, err := c.session.ReadRegister(int(id))
				if err != nil {
					return err
				}
				c.printf("0x%x", v)
				return nil
			},
		},
		{
			Name: "go", Usage: "go",
			Help: "Resume execution",
			Run: func(_ context.Context, c *Console, _ []string) error {
				return c.session.Resume()
			},
		},
		{
			Name: "step", Usage: "step",
			Help: "Execute a single instruction",
			Run: func(_ context.Context, c *Console, _ []string) error {
				return c.session.Step()
			},
		},
		{
			Name: "pause", Usage: "pause",
			Help: "Interrupt the running target",
			Run: func(_ context.Context, c *Console, _ []string) error {
				return c.session.Interrupt()
			},
		},
		{
			Name: "reset", Usage: "reset",
			Help: "Reset and halt the target",
			Run: func(_ context.Context, c *Console, _ []string) error {
				return c.session.Reset()
			},
		},
		{
			Name: "bp", Usage: "bp <soft|hard|read|write|access> <addr> <size>",
			Help:    "Set a breakpoint or watchpoint",
			MinArgs: 3, MaxArgs: 3,
			Run: func(_ context.Context, c *Console, args []string) error {
				return breakpointArgs(c, args, c.session.AddBreakpoint)
			},
		},
		{
			Name: "bd", Usage: "bd <soft|hard|read|write|access> <addr> <size>",
			Help:    "Delete a breakpoint or watchpoint",
			MinArgs: 3, MaxArgs: 3,
			Run: func(_ context.Context, c *Console, args []string) error {
				return breakpointArgs(c, args, c.session.RemoveBreakpoint)
			},
		},
		{
			Name: "monitor", Usage: "monitor <command...>",
			Help:    "Send a command to the remote debug server",
			MinArgs: 1, MaxArgs: -1,
			Run: func(_ context.Context, c *Console, args []string) error {
				out, err := c.session.Monitor(strings.Join(args, " "))
				if err != nil {
					return err
				}
				if out != "" {
					c.printf("%s", strings.TrimRight(out, "\n"))
				}
				return nil
			},
		},
		{
			Name: "help", Usage: "help",
			Help: "Show this command list",
			Run: func(_ context.Context, c *Console, _ []string) error {
				for _, cmd := range c.table {
					c.printf("%-48s %s", cmd.Usage, cmd.Help)
				}
				return nil
			},
		},
		{
			Name: "quit", Usage: "quit",
			Help: "Leave the console",
			Run: func(_ context.Context, c *Console, _ []string) error {
				return ErrQuit
			},
		},
	}
}

func readCommand(name string, width int, read func(c *Console, addr uint64) (uint64, error)) ConsoleCommand {
	return ConsoleCommand{
		Name:    name,
		Usage:   fmt.Sprintf("%s <addr>", name),
		Help:    fmt.Sprintf("Read a %d-bit value from target memory", width*8),
		MinArgs: 1, MaxArgs: 1,
		Run: func(_ context.Context, c *Console, args []string) error {
			addr, err := parseNum(args[0])
			if err != nil {
				return err
			}
			v, err := read(c, addr)
			if err != nil {
				return err
			}
			c.printf("0x%0*x", width*2, v)
			return nil
		},
	}
}

func writeCommand(name string, write func(c *Console, addr, v uint64) error) ConsoleCommand {
	return ConsoleCommand{
		Name:    name,
		Usage:   fmt.Sprintf("%s <addr> <value>", name),
		Help:    fmt.Sprintf("Write a %s-bit value to target memory", strings.TrimPrefix(name, "write")),
		MinArgs: 2, MaxArgs: 2,
		Run: func(_ context.Context, c *Console, args []string) error {
			addr, err := parseNum(args[0])
			if err != nil {
				return err
			}
			v, err := parseNum(args[1])
			if err != nil {
				return err
			}
			return write(c, addr, v)
		},
	}
}

func breakpointArgs(c *Console, args []string, op func(rsp.BreakpointKind, uint64, int) error) error {
	kind, err := rsp.ParseBreakpointKind(args[0])
	if err != nil {
		return err
	}
	addr, err := parseNum(args[1])
	if err != nil {
		return err
	}
	size, err := parseNum(args[2])
	if err != nil {
		return err
	}
	return op(kind, addr, int(size))
}
