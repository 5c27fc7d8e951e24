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
	"time"

	"github.com/spf13/cobra"

	"rqtree/internal/events"
	"rqtree/internal/util"
)

var flagWait time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and run a one-off conflict sweep",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&flagWait, "wait", 0, "poll until the queue drains to empty, up to this timeout")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		if flagWait > 0 {
			cfg := util.DefaultPollConfig()
			cfg.Timeout = flagWait
			err := util.PollUntil(cmd.Context(), cfg, func() bool {
				stats, err := a.q.Stats(cmd.Context())
				return err == nil && stats.Pending == 0 && stats.Retrying == 0
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "queue did not drain within %s\n", flagWait)
			}
		}

		stats, err := a.q.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading queue stats: %w", err)
		}
		fmt.Fprintf(os.Stdout, "queue: %d pending, %d retrying, %d bytes queued\n",
			stats.Pending, stats.Retrying, stats.TotalBytesQueued)

		var conflicts []string
		token := a.bus.Subscribe(func(ev events.Event) {
			if ev.Kind == events.SyncConflict {
				conflicts = append(conflicts, ev.Path)
			}
		})
		defer a.bus.Unsubscribe(token)

		if err := a.tree.SweepOnce(cmd.Context()); err != nil {
			return fmt.Errorf("running conflict sweep: %w", err)
		}
		if len(conflicts) == 0 {
			fmt.Fprintln(os.Stdout, "no conflicts")
			return nil
		}
		fmt.Fprintf(os.Stdout, "%d conflict(s):\n", len(conflicts))
		for _, p := range conflicts {
			fmt.Fprintf(os.Stdout, "  %s\n", p)
		}
		return nil
	})
}
