/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package rsp implements a client for the GDB Remote Serial Protocol, used to
control and inspect a remote execution target (a processor under JTAG or
emulation) over a single TCP byte stream.

# Architecture Overview

The transport is one ordered byte stream shared between strict
request/response command execution, out-of-band asynchronous events the
target may emit at any time, and a raw single-byte interrupt. The package is
therefore built around a disciplined packet demultiplexer rather than a
simple request/reply RPC layer.

# Key Components

  - Session: the state machine and command API; exclusively owns the transport
  - Transport: raw connection, handshake, and blocking/non-blocking receive
  - decoder: resumable $payload#cc frame extraction with checksum validation
  - notificationRouter: splits stop/log notifications from call responses
  - Observer: presentation-layer callbacks for state, description, and output

# Session Flow

 1. Connect dials the target and waits for the '+' handshake byte
 2. QStartNoAckMode switches the link to no-acknowledgment mode
 3. Extended mode is enabled and the target feature description is fetched
 4. Typed operations (memory, registers, breakpoints, execution control)
    run over the generic Call primitive
 5. Poll, driven by the presentation layer's timer, delivers stop and log
    events that arrive while the target is running

No two calls may be in flight at once; a second call fails with
ErrProtocolViolation instead of queueing. Poll never blocks.
*/
package rsp
