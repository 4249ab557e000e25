// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/core"
	"github.com/health-sync/health-sync/internal/i18n"
	"github.com/health-sync/health-sync/internal/importer"
	"github.com/health-sync/health-sync/internal/token"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// copyToClipboard and isTerminal are variables so tests can replace them.
var (
	copyToClipboard = clipboard.WriteAll
	isTerminal      = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

func newRemoteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Provision a machine you cannot log into",
		Long: `The remote commands run a one-time bootstrap. The operator creates a
session and sends its token to the user. The user encrypts their config and
credentials for that session and sends the archive back. The operator
imports the archive, which consumes the session.`,
	}
	cmd.AddCommand(
		newRemoteBootstrapCmd(a),
		newRemoteRunCmd(a),
		newRemoteFinishCmd(a),
		newRemoteSessionsCmd(a),
		newRemoteGCCmd(a),
	)
	return cmd
}

func newRemoteBootstrapCmd(a *app) *cobra.Command {
	var ttl time.Duration
	var copyToken bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create a session and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("ttl") {
				ttl = a.config.Remote.TTL
			}
			if err := bootstrap.CheckTTL(time.Now(), ttl); err != nil {
				return fmt.Errorf("--ttl: %w", err)
			}
			ks, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = ks.Close() }()

			res, err := core.NewOperator(ks).Bootstrap(cmd.Context(), ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printLine(out, titleStyle.Render(i18n.T("remote.bootstrap.title")))
			printLine(out, i18n.T("remote.bootstrap.session", res.SessionID))
			printLine(out, i18n.T("remote.bootstrap.key", res.KeyID))
			printLine(out, i18n.T("remote.bootstrap.fingerprint", res.Fingerprint))
			printLine(out, i18n.T("remote.bootstrap.expires", res.ExpiresAt.Local().Format(timeLayout)))
			printLine(out, "")
			printLine(out, i18n.T("remote.bootstrap.send_token"))
			printLine(out, tokenStyle.Render(res.Token))
			printLine(out, "")
			if copyToken {
				if err := copyToClipboard(res.Token); err != nil {
					printLine(cmd.ErrOrStderr(), failStyle.Render(i18n.T("remote.bootstrap.copy_failed", err)))
				} else {
					printLine(out, okStyle.Render(i18n.T("remote.bootstrap.copied")))
				}
			}
			printLine(out, mutedStyle.Render(i18n.T("remote.bootstrap.next_step")))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", bootstrap.DefaultTTL, "How long the session accepts an archive")
	cmd.Flags().BoolVar(&copyToken, "copy", false, "Copy the token to the clipboard")
	return cmd
}

func newRemoteRunCmd(a *app) *cobra.Command {
	var syncConfig, credentials, outPath string
	var purge, keep bool
	cmd := &cobra.Command{
		Use:   "run <token>",
		Short: "Encrypt your config and credentials for an operator's session",
		Args:  cobra.ExactArgs(1),
		// The user side needs no session store; configuration only supplies
		// default paths.
		RunE: func(cmd *cobra.Command, args []string) error {
			if purge && keep {
				return errors.New(i18n.T("remote.run.purge_conflict"))
			}
			if syncConfig == "" {
				syncConfig = a.config.Remote.ConfigPath
			}
			if credentials == "" {
				credentials = a.config.Remote.CredentialsPath
			}
			if outPath == "" && a.config.Remote.ArchiveDir != "" {
				if t, err := token.Parse(args[0]); err == nil {
					outPath = filepath.Join(a.config.Remote.ArchiveDir, core.DefaultArchiveName(t.SessionID))
				}
			}
			paths := bundle.Paths{Config: syncConfig, Credentials: credentials}
			res, err := core.Run(cmd.Context(), core.RunRequest{
				Token:          args[0],
				Paths:          paths,
				Out:            outPath,
				PurgePlaintext: purge,
			})
			if err != nil {
				if res != nil {
					reportPurged(cmd.OutOrStdout(), res.Purged)
				}
				return err
			}
			out := cmd.OutOrStdout()
			printLine(out, okStyle.Render(i18n.T("remote.run.wrote", len(res.Files), res.ArchivePath)))
			printLine(out, i18n.T("remote.run.next_step"))

			if !purge && !keep && isTerminal() {
				purge = confirm(cmd.InOrStdin(), out, i18n.T("remote.run.purge_prompt"))
				if purge {
					res.Purged, err = core.PurgePlaintext(paths)
				}
			}
			reportPurged(out, res.Purged)
			if err != nil {
				return err
			}
			if !purge {
				printLine(out, mutedStyle.Render(i18n.T("remote.run.kept")))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&syncConfig, "sync-config", "", "Sync config file to send (default from remote.config_path)")
	cmd.Flags().StringVar(&credentials, "credentials", "", "Credentials database to send (default from remote.credentials_path)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Archive path (default health-sync-remote-<session>.hsarchive)")
	cmd.Flags().BoolVar(&purge, "purge-plaintext", false, "Delete the plaintext files after the archive is written")
	cmd.Flags().BoolVar(&keep, "keep-plaintext", false, "Keep the plaintext files without asking")
	return cmd
}

func reportPurged(w io.Writer, purged []string) {
	for _, p := range purged {
		printLine(w, i18n.T("remote.run.purged", p))
	}
}

// confirm prints prompt and reports whether the answer starts with y or j.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprint(out, prompt)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return strings.HasPrefix(answer, "y") || strings.HasPrefix(answer, "j")
}

func newRemoteFinishCmd(a *app) *cobra.Command {
	var configTarget, credentialsTarget string
	var removeArchive bool
	cmd := &cobra.Command{
		Use:   "finish [token|session-id|key-id] <archive>",
		Short: "Import an archive returned by the user and consume its session",
		Long: `Decrypts the archive with the session's private key and installs the
config and credentials at their targets. Existing files are kept as
timestamped .bak- copies. Without a session reference the session is taken
from the archive header. A failed import leaves the session usable so the
same archive can be imported again.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref, archivePath string
			if len(args) == 2 {
				ref, archivePath = args[0], args[1]
			} else {
				archivePath = args[0]
			}
			if configTarget == "" {
				configTarget = a.config.Remote.ConfigPath
			}
			if credentialsTarget == "" {
				credentialsTarget = a.config.Remote.CredentialsPath
			}
			ks, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = ks.Close() }()

			res, err := core.NewOperator(ks).Finish(cmd.Context(), core.FinishRequest{
				Ref:           ref,
				ArchivePath:   archivePath,
				Targets:       importer.DefaultTargets(configTarget, credentialsTarget),
				RemoveArchive: removeArchive,
			})
			out := cmd.OutOrStdout()
			var pie *importer.PartialImportError
			if errors.As(err, &pie) {
				printTargets(out, pie.Results)
			}
			if err != nil {
				return err
			}
			printLine(out, okStyle.Render(i18n.T("remote.finish.consumed", res.Session.ID)))
			printTargets(out, res.Import.Targets)
			if res.ArchiveRemoved {
				printLine(out, i18n.T("remote.finish.archive_removed", archivePath))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configTarget, "config-target", "", "Where to install the sync config (default from remote.config_path)")
	cmd.Flags().StringVar(&credentialsTarget, "credentials-target", "", "Where to install the credentials database (default from remote.credentials_path)")
	cmd.Flags().BoolVar(&removeArchive, "remove-archive", false, "Delete the archive after a successful import")
	return cmd
}

func printTargets(w io.Writer, results []importer.TargetResult) {
	for _, r := range results {
		if r.Err != nil {
			printLine(w, failStyle.Render(i18n.T("remote.finish.failed_target", r.Target.Role, r.Status, r.Target.Path, r.Err)))
		} else {
			printLine(w, i18n.T("remote.finish.target", r.Target.Role, r.Status, r.Target.Path))
		}
		if r.Backup != "" {
			printLine(w, mutedStyle.Render(i18n.T("remote.finish.backup", r.Backup)))
		}
	}
}

func newRemoteSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List remote bootstrap sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = ks.Close() }()

			sessions, err := core.NewOperator(ks).ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				printLine(out, i18n.T("remote.sessions.none"))
				return nil
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					s.ID,
					s.KeyID,
					string(s.State),
					s.CreatedAt.Local().Format(timeLayout),
					s.ExpiresAt.Local().Format(timeLayout),
				})
			}
			printLine(out, renderTable(strings.Split(i18n.T("remote.sessions.header"), "\t"), rows))
			return nil
		},
	}
}

func newRemoteGCCmd(a *app) *cobra.Command {
	var consumed bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete expired sessions and their keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = ks.Close() }()

			removed, err := core.NewOperator(ks).Purge(cmd.Context(), consumed)
			if err != nil {
				return err
			}
			printLine(cmd.OutOrStdout(), i18n.T("remote.gc.removed", len(removed)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&consumed, "consumed", false, "Also delete consumed sessions")
	return cmd
}
