// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/rvdbg/internal/version"
)

func NewVersionCommand(log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := json.Marshal(version.Version())
			if err != nil {
				log.Error(err, "could not serialize version information")
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
