// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"encoding/hex"

	"github.com/go-logr/logr"
)

// notificationRouter classifies decoded packets as either asynchronous
// notifications (stop events, target console output) or synchronous call
// responses. Notifications are dispatched immediately, in arrival order;
// at most one response per sift is handed back to the caller.
type notificationRouter struct {
	observer Observer
	log      logr.Logger

	// onStop is invoked for every stop-reply packet, before any pending
	// response is delivered. The session uses it to flip ExecutionState.
	onStop func()

	// stops counts stop notifications seen over the session lifetime;
	// Interrupt uses it to detect that the requested halt has arrived.
	stops int
}

// isStopReply reports whether a payload is a stop notification ('T' with
// register info or bare 'S' with signal number). The length guard keeps
// short responses such as "OK" out of the stop path.
func isStopReply(payload []byte) bool {
	return len(payload) >= 3 && (payload[0] == 'T' || payload[0] == 'S')
}

// isTargetOutput reports whether a payload is console output from the target:
// 'O' followed by hex-encoded text. "OK" is two bytes and never matches; a
// payload that fails hex validation is treated as an ordinary response.
func isTargetOutput(payload []byte) bool {
	if len(payload) < 3 || payload[0] != 'O' || len(payload)%2 == 0 {
		return false
	}
	for _, b := range payload[1:] {
		if !isHexDigit(b) {
			return false
		}
	}
	return true
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// route consumes a single packet. It returns true if the packet was a
// notification (already dispatched), false if it is a response packet the
// caller owns.
func (r *notificationRouter) route(payload []byte) bool {
	switch {
	case isStopReply(payload):
		r.log.V(1).Info("stop notification", "payload", string(payload))
		r.stops++
		r.onStop()
		return true

	case isTargetOutput(payload):
		text, err := hex.DecodeString(string(payload[1:]))
		if err != nil {
			// Validated above; kept as a guard against decoder drift.
			r.log.Error(err, "undecodable target output", "payload", string(payload))
			return true
		}
		r.observer.OnLog(string(text))
		return true

	default:
		return false
	}
}

// sift routes every notification in pkts and returns the first response
// packet, if any. Additional response packets are logged and dropped: a
// chatty target never breaks call correlation, per the session's
// one-response-per-call discipline.
func (r *notificationRouter) sift(pkts [][]byte) ([]byte, bool) {
	var resp []byte
	found := false
	for _, pkt := range pkts {
		if r.route(pkt) {
			continue
		}
		if found {
			r.log.Info("ignoring unexpected extra response packet", "payload", string(pkt))
			continue
		}
		resp = pkt
		found = true
	}
	return resp, found
}
