package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/gitcloudd/internal/config"
	"github.com/schaermu/gitcloudd/internal/control"
	"github.com/schaermu/gitcloudd/internal/registry"
)

var (
	// Remote command flags
	addr        string
	readOnly    bool
	addDisabled bool
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage the repositories of a running daemon",
}

var repoListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List repositories and their sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newControlClient().List(cmd.Context())
		if err != nil {
			return err
		}
		return printEntries(cmd.OutOrStdout(), entries)
	},
}

var repoAddCmd = &cobra.Command{
	Use:   "add NAME URL",
	Short: "Add a repository and sync it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newControlClient().Add(cmd.Context(), control.AddRequest{
			Name:     args[0],
			URL:      args[1],
			ReadOnly: readOnly,
			Disabled: addDisabled,
		})
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:     "rm NAME",
	Aliases: []string{"remove"},
	Short:   "Stop managing a repository (the working copy stays on disk)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newControlClient().Remove(cmd.Context(), args[0])
	},
}

var repoEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Include a repository in periodic syncs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newControlClient().SetAutoSync(cmd.Context(), args[0], true)
	},
}

var repoDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Exclude a repository from periodic syncs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newControlClient().SetAutoSync(cmd.Context(), args[0], false)
	},
}

var repoSyncCmd = &cobra.Command{
	Use:   "sync NAME",
	Short: "Sync a repository now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newControlClient().Sync(cmd.Context(), args[0])
	},
}

var intervalCmd = &cobra.Command{
	Use:   "interval [SECONDS]",
	Short: "Show or change the sync interval of a running daemon",
	Long: fmt.Sprintf(`Interval prints the pause between periodic sync passes. With an argument
it sets a new interval (at least %d seconds) and starts a pass right away.`, config.MinInterval),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newControlClient()
		if len(args) == 0 {
			d, err := client.Interval(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), int(d/time.Second))
			return err
		}

		seconds, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", args[0], err)
		}
		if seconds < config.MinInterval || int64(seconds) > config.MaxInterval {
			return fmt.Errorf("interval must be between %d and %d seconds", config.MinInterval, config.MaxInterval)
		}
		return client.SetInterval(cmd.Context(), time.Duration(seconds)*time.Second)
	},
}

func addRemoteCommands(root *cobra.Command) {
	root.PersistentFlags().StringVar(&addr, "addr", "", "control API address (default is serve.listen_addr from the config)")

	repoAddCmd.Flags().BoolVar(&readOnly, "read-only", false, "never commit or push local changes")
	repoAddCmd.Flags().BoolVar(&addDisabled, "disabled", false, "register without syncing")

	repoCmd.AddCommand(repoListCmd, repoAddCmd, repoRemoveCmd, repoEnableCmd, repoDisableCmd, repoSyncCmd)
	root.AddCommand(repoCmd)
	root.AddCommand(intervalCmd)
}

// controlAddr picks --addr, then the configured listen address, then the
// built-in default
func controlAddr() string {
	if addr != "" {
		return addr
	}
	if path, err := configPath(); err == nil {
		if cfg, err := config.Load(path); err == nil {
			return cfg.Serve.ListenAddr
		}
	}
	return config.DefaultListenAddr
}

func newControlClient() *control.Client {
	return control.NewClient(controlAddr())
}

func printEntries(w io.Writer, entries []registry.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tBRANCH\tAUTO-SYNC\tMODE\tLAST SYNC\tSTATUS")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Name,
			orDash(e.Branch),
			onOff(!e.Disabled),
			mode(e.ReadOnly),
			lastSync(e.LastSyncTime),
			status(e))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func mode(ro bool) string {
	if ro {
		return "read-only"
	}
	return "read-write"
}

func lastSync(unix int64) string {
	if unix == 0 {
		return "never"
	}
	return time.Unix(unix, 0).Local().Format(time.DateTime)
}

func status(e registry.Entry) string {
	switch {
	case e.Syncing:
		return "syncing"
	case e.LastError != "":
		return "error: " + e.LastError
	default:
		return "ok"
	}
}
