// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rqtree/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or flush the request queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued entries, oldest first",
	RunE:  runQueueList,
}

var queuePeekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Show the oldest queued entry without removing it",
	RunE:  runQueuePeek,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove a single queued entry without syncing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueFlush,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePeekCmd)
	queueCmd.AddCommand(queueFlushCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		count := 0
		err := a.q.Iterate(cmd.Context(), func(e queue.Entry) error {
			count++
			fmt.Fprintf(os.Stdout, "%-6s %8d bytes  retries=%-2d  %s\n", e.Method, e.Size, e.Retries, e.Path())
			return nil
		})
		if err != nil {
			return fmt.Errorf("iterating queue: %w", err)
		}
		if count == 0 {
			fmt.Fprintln(os.Stdout, "queue is empty")
		}
		return nil
	})
}

func runQueuePeek(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		entry, ok, err := a.q.Peek(cmd.Context())
		if err != nil {
			return fmt.Errorf("peeking queue: %w", err)
		}
		if !ok {
			fmt.Fprintln(os.Stdout, "queue is empty")
			return nil
		}
		fmt.Fprintf(os.Stdout, "%-6s %8d bytes  retries=%-2d  %s\n", entry.Method, entry.Size, entry.Retries, entry.Path())
		return nil
	})
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	path := args[0]
	return withApp(func(a *app) error {
		entry, ok, err := a.q.Get(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("looking up %q: %w", path, err)
		}
		if !ok {
			return fmt.Errorf("no queued entry for %q", path)
		}
		if err := a.q.Remove(cmd.Context(), entry); err != nil {
			return fmt.Errorf("removing %q: %w", path, err)
		}
		fmt.Fprintf(os.Stdout, "flushed %s\n", path)
		return nil
	})
}
