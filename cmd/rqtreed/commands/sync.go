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

	"rqtree/internal/events"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the request queue against the remote once and exit",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		var failed, ok int
		token := a.bus.Subscribe(func(ev events.Event) {
			switch ev.Kind {
			case events.SyncFileEnd:
				ok++
				fmt.Fprintf(os.Stdout, "synced %s\n", ev.Path)
			case events.SyncFileErr:
				failed++
				fmt.Fprintf(os.Stderr, "failed %s: %v\n", ev.Path, ev.Err)
			case events.SyncPurged:
				fmt.Fprintf(os.Stderr, "purged %s after exhausting retries: %v\n", ev.Path, ev.Err)
			}
		})
		defer a.bus.Unsubscribe(token)

		a.proc.DrainOnce(cmd.Context())
		fmt.Fprintf(os.Stdout, "drain complete: %d synced, %d failed\n", ok, failed)
		return nil
	})
}
