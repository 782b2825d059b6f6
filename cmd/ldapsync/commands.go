package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/connector"
	"github.com/Checkmk/checkmk-sub025/internal/state"
)

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle of every enabled connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetStringSlice("connection")
		user, _ := cmd.Flags().GetString("user")
		textfile, _ := cmd.Flags().GetString("metrics-textfile")

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		var summaries map[string]*connector.Summary
		if len(only) > 0 {
			summaries, err = a.manager.Sync(cmd.Context(), only, user)
		} else {
			summaries, err = a.manager.SyncAll(cmd.Context(), user)
		}

		for _, c := range a.manager.Connectors() {
			if s, ok := summaries[c.ID()]; ok {
				printSummary(cmd.OutOrStdout(), s)
			}
		}

		if textfile == "" {
			textfile = a.cfg.Metrics.Textfile
		}
		if textfile != "" {
			if werr := a.metrics.WriteTextfile(textfile); werr != nil {
				err = errors.Join(err, fmt.Errorf("writing metrics: %w", werr))
			}
		}
		return err
	},
}

func printSummary(w io.Writer, s *connector.Summary) {
	fmt.Fprintf(w, "%s: %d created, %d modified, %d unchanged, %d skipped, %d removed, %d failed (%s, %d queries)\n",
		s.ConnectionID, s.Created(), s.Modified(), s.Unchanged(), s.Skipped(), len(s.Removed), len(s.Failures),
		s.Duration.Round(time.Millisecond), s.Queries)
	for _, o := range s.Outcomes {
		if o.Kind == connector.OutcomeUnchanged {
			continue
		}
		line := fmt.Sprintf("  %-10s %s", o.Kind, o.UserID)
		if o.Detail != "" {
			line += ": " + o.Detail
		}
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	for _, id := range s.Removed {
		fmt.Fprintf(w, "  %-10s %s\n", "removed", id)
	}
}

// check-credentials command
var checkCredentialsCmd = &cobra.Command{
	Use:   "check-credentials",
	Short: "Check a password against the directory (read from stdin)",
	Long: `Check a password against the directory. The password is read from stdin.

Exit status is 0 when the credentials match, 1 when they are rejected and 2
when no connection knows the user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		secret, err := readSecret(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.manager.CheckCredentials(cmd.Context(), user, secret)
		a.metrics.ObserveCredentials(result, err)
		if err != nil {
			tflog.Warn(cmd.Context(), "Credential check incomplete", map[string]interface{}{"error": err.Error()})
		}

		switch result.Kind {
		case connector.Matched:
			fmt.Fprintln(cmd.OutOrStdout(), result.UserID)
			return nil
		case connector.Rejected:
			return &exitError{code: 1}
		default:
			return &exitError{code: 2}
		}
	},
}

func readSecret(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync times and recent changes per connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		w := cmd.OutOrStdout()
		for _, c := range a.manager.Connectors() {
			mode := "enabled"
			switch {
			case c.Config().Disabled:
				mode = "disabled"
			case !c.IsEnabled():
				mode = "not synced on this site"
			}
			fmt.Fprintf(w, "%s (%s)\n", c.ID(), mode)
			fmt.Fprintf(w, "  last sync: %s\n", formatTime(c.LastSync()))
			fmt.Fprintf(w, "  next sync: %s\n", formatTime(c.NextSync()))

			if a.sqlite == nil || limit <= 0 {
				continue
			}
			changes, err := a.sqlite.Changes(cmd.Context(), c.ID(), limit)
			if err != nil {
				return err
			}
			for _, ch := range changes {
				fmt.Fprintf(w, "  %s %-8s %s %s\n", ch.Time.Format(time.DateTime), ch.Kind, ch.UserID, ch.Detail)
			}
		}
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d connections OK\n", configPath, len(cfg.Connections))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with defaults applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return err
		}
		for i := range cfg.Connections {
			if cfg.Connections[i].BindPassword != "" {
				cfg.Connections[i].BindPassword = "********"
			}
		}
		m := &config.Manager{}
		return m.Write(cmd.OutOrStdout(), cfg)
	},
}

// clear-cache command
var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Forget discovered domain controllers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return err
		}
		if err := state.New(cfg.StateDir).ClearAll(); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared discovered servers in %s\n", cfg.StateDir)
		return nil
	},
}
