// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/health-sync/health-sync/buildvars"
	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/config"
	"github.com/health-sync/health-sync/internal/db"
	"github.com/health-sync/health-sync/internal/i18n"
	"github.com/health-sync/health-sync/internal/keystore"
	"github.com/health-sync/health-sync/internal/logging"
)

var version = "dev"   // set by the linker
var gitCommit = "dev" // short commit SHA, set at build time
var buildDate = ""    // RFC3339, set at build time

const modulePath = "github.com/health-sync/health-sync"

// app carries the state shared by the commands of one root command.
type app struct {
	cfgFile string
	verbose bool
	config  config.Config
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.verbose {
		logging.SetDebug(true)
		db.SetDebug(true)
	}
	path, err := a.configPathFromFlag()
	if err != nil {
		return err
	}
	a.config, err = config.LoadConfig[config.Config](cmd, config.Defaults(), path)
	switch {
	case errors.As(err, &viper.ConfigFileNotFoundError{}):
		logging.Debugf("no config file found, using defaults")
	case err != nil:
		return localize(err, "config.error_load", err)
	}
	i18n.Init(a.config.Language)
	if err := a.config.Validate(); err != nil {
		return localize(err, "config.error_invalid", err)
	}
	return nil
}

// localizedError shows a translated message while keeping err in the chain.
type localizedError struct {
	msg string
	err error
}

func (e *localizedError) Error() string { return e.msg }
func (e *localizedError) Unwrap() error { return e.err }

func localize(err error, id string, args ...any) error {
	return &localizedError{msg: i18n.T(id, args...), err: err}
}

// configPathFromFlag returns the --config value, which must name an existing
// file when set.
func (a *app) configPathFromFlag() (*string, error) {
	if a.cfgFile == "" {
		return nil, nil
	}
	if _, err := os.Stat(a.cfgFile); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &a.cfgFile, nil
}

// openStore opens the operator key store described by the configuration.
func (a *app) openStore(ctx context.Context) (*keystore.Store, error) {
	ks, err := keystore.Open(ctx, keystore.Options{
		StateDir:   a.config.StateDir,
		DBType:     a.config.Database.Type,
		DSN:        a.config.Database.Dsn,
		ClaimLease: a.config.Remote.ClaimLease,
	})
	if err != nil {
		return nil, localize(err, "config.error_open_store", err)
	}
	return ks, nil
}

// Execute runs the command line and returns the error of the failed command.
// SIGINT and SIGTERM cancel the command's context, so an interrupted finish
// still releases its claim on the session.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// ExitCode maps an error to the process exit status. Each protocol failure
// class has its own code so scripts can tell them apart.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, bootstrap.ErrPartialImportFailure):
		// Checked first: per-target causes may wrap other sentinels.
		return 9
	case errors.Is(err, bootstrap.ErrUnknownSession):
		return 3
	case errors.Is(err, bootstrap.ErrExpiredSession):
		return 4
	case errors.Is(err, bootstrap.ErrAlreadyConsumed):
		return 5
	case errors.Is(err, bootstrap.ErrIntegrityFailure):
		return 6
	case errors.Is(err, bootstrap.ErrUnsupportedFormatVersion):
		return 7
	case errors.Is(err, bootstrap.ErrMalformedBundle):
		return 8
	}
	return 1
}

// NewRootCmd builds a fresh command tree. Tests create one per case.
func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "health-sync",
		Short: "health-sync moves health data credentials between machines.",
		Long: `health-sync keeps provider credentials and settings for personal
health data sync. The remote commands let an operator provision a machine
they cannot log into: the user encrypts their secret files for a one-time
session and sends the archive back.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `Output language ("en", "de")`)
	cmd.PersistentFlags().String("database.type", "sqlite", "Session database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database.dsn", "", "Session database DSN (default: sessions.db in the state dir)")
	cmd.PersistentFlags().String("state_dir", config.DefaultStateDir(), "Directory for session keys and state")

	cmd.AddCommand(
		newRemoteCmd(a),
		newDBCmd(a),
		newDebugCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		// no config is needed to print the version
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "version: %s\n", v)
			_, _ = fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				_, _ = fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	if c != "" && c != "dev" {
		v += " (" + c + ")"
	}
	if d != "" {
		v += " built: " + d
	}
	return v
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. A nil info reads build info from the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		if resolvedVersion == "dev" || resolvedVersion == "(devel)" {
			for _, dep := range info.Deps {
				if dep.Path == modulePath && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}
	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}
