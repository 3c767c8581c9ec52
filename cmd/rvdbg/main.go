// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/rvdbg/internal/commands"
	"github.com/microsoft/rvdbg/pkg/logger"
)

const errCommandError = 1

func main() {
	log := logger.New("rvdbg")
	defer log.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := commands.NewRootCommand(log)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Flush()
		os.Exit(errCommandError)
	}
}
