// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/health-sync/health-sync/internal/config"
)

func newDebugCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Dump the effective configuration, flags and HEALTH_SYNC_* environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printLine(out, "--- HEALTH-SYNC DEBUG ---")
			if a.cfgFile != "" {
				printLine(out, "Config file: "+a.cfgFile)
			} else if p, err := config.GetConfigPath(false); err == nil {
				printLine(out, "User config path: "+p)
			}

			effective := a.config
			if effective.Database.Dsn != "" {
				effective.Database.Dsn = "<redacted>"
			}
			b, err := yaml.Marshal(&effective)
			if err != nil {
				return fmt.Errorf("could not marshal configuration: %w", err)
			}
			printLine(out, "-- effective configuration --")
			_, _ = fmt.Fprint(out, string(b))

			printLine(out, "-- flags --")
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				_, _ = fmt.Fprintf(out, "%s = %s\n", f.Name, redactFlag(f))
			})

			printLine(out, "-- environment --")
			for _, e := range os.Environ() {
				if strings.HasPrefix(e, config.EnvPrefix+"_") {
					printLine(out, redactEnv(e))
				}
			}
			printLine(out, "--- END DEBUG ---")
			return nil
		},
	}
}

// redactFlag hides set DSN flag values for the same reason as redactEnv.
func redactFlag(f *pflag.Flag) string {
	if strings.HasSuffix(strings.ToLower(f.Name), "dsn") && f.Value.String() != "" {
		return "<redacted>"
	}
	return f.Value.String()
}

// redactEnv hides DSN values, which may carry database passwords.
func redactEnv(kv string) string {
	k, _, ok := strings.Cut(kv, "=")
	if ok && strings.HasSuffix(k, "_DSN") {
		return k + "=<redacted>"
	}
	return kv
}
