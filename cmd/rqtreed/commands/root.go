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
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	flagRemote     string
	flagLocal      string
	flagConfigPath string
)

// SetVersion sets the version info reported by --version.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if date == "unknown" {
		return version
	}
	return fmt.Sprintf("%s (%s)", version, date)
}

var rootCmd = &cobra.Command{
	Use:   "rqtreed",
	Short: "Request-queuing overlay between a local tree and a remote asset repository",
	Long: `rqtreed mediates between a local file-system-like interface and a remote
HTTP JSON/asset repository: reads are served from a local cache with
remote fallback, writes are queued locally and drained to the remote
backend by a background sync processor.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetLevel(log.InfoLevel)
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if flagLocal == "" {
			return fmt.Errorf("--local is required")
		}
		if flagRemote == "" {
			return fmt.Errorf("--remote is required")
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&flagLocal, "local", "", "local root directory backing the overlay")
	rootCmd.PersistentFlags().StringVar(&flagRemote, "remote", "", "base URL of the remote asset repository")
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to the share's YAML config (optional)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func withApp(fn func(*app) error) error {
	a, err := openApp(flagLocal, flagRemote, flagConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// durationOrDefault parses s as a duration, returning def when s is empty
// or does not parse.
func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
