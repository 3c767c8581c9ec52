/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at build time via -ldflags.
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
}

func Version() VersionOutput {
	out := VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
	}
	if out.Version == "" {
		out.Version = DevelopmentVersion
	}

	// The timestamp may be a Unix epoch value or an RFC 3339 string.
	if BuildTimestamp != "" {
		if epoch, err := strconv.ParseInt(BuildTimestamp, 10, 64); err == nil {
			t := time.Unix(epoch, 0)
			out.BuildTime = &t
		} else if t, err := time.Parse(time.RFC3339, BuildTimestamp); err == nil {
			out.BuildTime = &t
		}
	}
	return out
}
