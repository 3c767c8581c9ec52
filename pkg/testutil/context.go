// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutil

import (
	"context"
	"testing"
	"time"
)

// GetTestContext returns a context bounded by the shorter of testTimeout and
// the test binary's own deadline.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	deadline, haveDeadline := t.Deadline()
	if testTimeout > 0 {
		if testDeadline := time.Now().Add(testTimeout); !haveDeadline || testDeadline.Before(deadline) {
			return context.WithDeadline(context.Background(), testDeadline)
		}
	}
	if haveDeadline {
		return context.WithDeadline(context.Background(), deadline)
	}
	return context.WithCancel(context.Background())
}
