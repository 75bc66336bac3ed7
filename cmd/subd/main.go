// Package main provides the subd CLI: the host daemon, the per-session child
// entry point, and the command passthrough that forwards everything else to a
// running daemon over the control socket.
//
// Start the daemon:
//
//	subd daemon
//
// Drive it from another terminal:
//
//	subd new echo
//	subd ps
//	subd session send 1 "summarize the README"
//	subd approve 1 APPROVE
//
// # Environment Variables
//
//   - SUBD_ROOT: installation root (default: current directory)
//   - <PROVIDER>_API_KEY / <PROVIDER>_BASE_URL: LLM provider credentials,
//     e.g. XAI_API_KEY, OLLAMA_BASE_URL (usually via <root>/.env)
//   - GOOGLE_API_KEY / GOOGLE_CX: web search credentials
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikesmullin/subd/internal/agent"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/core"
	"github.com/mikesmullin/subd/internal/tools"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// rootDir resolves the installation root: the --root flag, SUBD_ROOT, or the
// current directory.
func rootDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if root := os.Getenv("SUBD_ROOT"); root != "" {
		return root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func buildRootCmd() *cobra.Command {
	var (
		root      string
		sessionID int
		noWait    bool
		debug     bool
	)

	rootCmd := &cobra.Command{
		Use:   "subd [command line...]",
		Short: "subd - containerized agent session daemon",
		Long: `subd runs LLM agent sessions in isolated child processes, one container
per session, supervised by a host daemon. Anything that is not a builtin
subcommand is forwarded to the running daemon as a command line:

  subd new echo           create a session from the echo template
  subd ps                 list sessions
  subd approve 3 APPROVE  resolve a pending approval`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runPassthrough(cmd, rootDir(root), strings.Join(args, " "), sessionID, noWait)
		},
	}
	rootCmd.PersistentFlags().StringVar(&root, "root", "", "Installation root (default: $SUBD_ROOT or the current directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().IntVarP(&sessionID, "session", "s", 0, "Target session for the forwarded command (0 = host)")
	rootCmd.Flags().BoolVar(&noWait, "no-wait", false, "Submit the command without waiting for its result")

	rootCmd.AddCommand(
		buildDaemonCmd(&root),
		buildChildCmd(),
	)
	return rootCmd
}

// buildDaemonCmd creates the "daemon" command that runs the host process.
func buildDaemonCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the host daemon",
		Long: `Run the host daemon: listen on the control socket, recover sessions that
were live at the last shutdown, broker completions for the children, and
supervise their containers. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := core.Boot(rootDir(*root), slog.Default())
			if err != nil {
				return err
			}
			return c.Serve(ctx)
		},
	}
}

// buildChildCmd creates the hidden "child" entry point the supervisor spawns
// inside each session container.
func buildChildCmd() *cobra.Command {
	var sessionID int
	cmd := &cobra.Command{
		Use:    "child",
		Short:  "Run one session's agent loop (spawned by the daemon)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID <= 0 {
				return fmt.Errorf("--session is required")
			}
			err := agent.RunChild(cmd.Context(), sessionID, slog.Default())
			if errors.Is(err, agent.ErrTurnLimit) {
				slog.Error("session exhausted its turn limit", "session_id", sessionID)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&sessionID, "session", 0, "Session id this child owns")
	return cmd
}

// runPassthrough forwards a command line to the daemon and prints the result.
func runPassthrough(cmd *cobra.Command, root, line string, sessionID int, noWait bool) error {
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	client, err := bridge.DialControl(cfg.ControlSocket(), cfg.Agent.RequestTimeout.Std())
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is 'subd daemon' running?): %w", cfg.ControlSocket(), err)
	}
	defer client.Close()

	payload := bridge.CommandPayload{Command: line, SessionID: sessionID}
	if noWait {
		if err := client.Submit(payload); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "submitted")
		return nil
	}

	res, err := client.Command(cmd.Context(), payload)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return printResult(cmd, res.Data)
}

// printResult renders a command result: bare strings as-is, everything else
// as indented JSON.
func printResult(cmd *cobra.Command, data json.RawMessage) error {
	out := cmd.OutOrStdout()
	if len(data) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	var outcome tools.Outcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		fmt.Fprintln(out, string(data))
		return nil
	}
	switch v := outcome.Result.(type) {
	case nil:
		fmt.Fprintln(out, "ok")
	case string:
		fmt.Fprintln(out, v)
	default:
		pretty, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(pretty))
	}
	return nil
}
