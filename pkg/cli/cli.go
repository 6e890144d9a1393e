// Copyright 2026 The ApplyStream Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package cli implements the applystream command line.
package cli

import (
	"github.com/spf13/cobra"
)

var applystreamCmd = &cobra.Command{
	Use:   "applystream",
	Short: "parallel log applier",
	Long: `applystream consumes an ordered replication event stream and applies it
in parallel while preserving the externally visible behavior of
single-threaded apply. Commit visibility follows the upstream group order
and the durable position only advances past contiguously completed groups,
so a crash at any point recovers to a consistent state.`,
	SilenceUsage: true,
}

func init() {
	applystreamCmd.AddCommand(startCmd)
}

// Run executes the command line.
func Run(args []string) error {
	applystreamCmd.SetArgs(args)
	return applystreamCmd.Execute()
}
