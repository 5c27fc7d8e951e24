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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rqtree/internal/events"
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Run the overlay and its sync processor in the foreground",
	Long: `mount wires the Overlay Tree to --local/--remote and starts the Sync
Processor's drain loop, logging lifecycle events until interrupted.

This does not expose a file-sharing protocol server; it is the harness a
real deployment embeds its protocol frontend into.`,
	RunE: runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		token := a.bus.Subscribe(func(ev events.Event) {
			fields := log.Fields{"kind": ev.Kind.String()}
			if ev.Path != "" {
				fields["path"] = ev.Path
			}
			if ev.Err != nil {
				log.WithFields(fields).WithError(ev.Err).Warn("[rqtreed] event")
				return
			}
			log.WithFields(fields).Info("[rqtreed] event")
		})
		defer a.bus.Unsubscribe(token)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := a.proc.Start(ctx); err != nil {
			return fmt.Errorf("starting sync processor: %w", err)
		}
		defer a.proc.Stop()

		fmt.Fprintf(os.Stdout, "rqtreed mounted %s <-> %s\n", flagLocal, flagRemote)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		return nil
	})
}
