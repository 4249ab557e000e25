// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/health-sync/health-sync/internal/db"
	"github.com/health-sync/health-sync/internal/i18n"
	"github.com/health-sync/health-sync/internal/keystore"
)

// runDBMaintenance is a variable so tests can observe the call.
var runDBMaintenance = db.RunDBMaintenance

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Session database tools",
	}
	var timeout time.Duration
	maint := &cobra.Command{
		Use:   "maintenance",
		Short: "Run database maintenance (VACUUM/OPTIMIZE) on the session database",
		Long:  `Runs engine-specific maintenance tasks (VACUUM, OPTIMIZE TABLE, PRAGMA optimize).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbType, dsn := a.config.Database.Type, a.config.Database.Dsn
			if dsn == "" && dbType == db.TypeSQLite {
				dsn = keystore.SessionsDBPath(a.config.StateDir)
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := runDBMaintenance(ctx, dbType, dsn); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return localize(err, "db.maintenance.timeout")
				}
				return localize(err, "db.maintenance.failed", err)
			}
			printLine(cmd.OutOrStdout(), i18n.T("db.maintenance.done"))
			return nil
		},
	}
	maint.Flags().DurationVar(&timeout, "timeout", 0, "Abort maintenance after this long (0 means no limit)")
	cmd.AddCommand(maint)
	return cmd
}
