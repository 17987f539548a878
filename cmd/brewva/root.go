package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"brewva/internal/config"
	"brewva/internal/utils/id"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// exitError carries a specific process exit code out of a command handler.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

// CLI holds flag state and the wired runtime.
type CLI struct {
	cwd        string
	configPath string
	model      string
	sessionID  string
	printMode  bool
	outputMode string

	cfg config.Config
	rt  *runtime
}

// NewRootCommand builds the brewva command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}
	var undo, replay bool

	rootCmd := &cobra.Command{
		Use:   "brewva",
		Short: "Agent orchestration runtime",
		Long: fmt.Sprintf(`%s folds an agent session's event log into context plans,
evidence, cost accounting, and undoable file changes.

%s
  brewva run "fix the failing test"     # one-shot turn
  brewva run --mode json < steps.ndjson # scripted tool steps
  brewva --replay --session s_01        # render the session tape
  brewva --undo --session s_01          # roll back the last patch set`,
			bold("brewva"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return &exitError{code: 1, err: err}
			}
			switch {
			case undo:
				return cli.runUndo()
			case replay:
				return cli.runReplay()
			default:
				return cmd.Help()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&cli.cwd, "cwd", "", "Workspace directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&cli.configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&cli.model, "model", "", "Model identifier (provider/id)")
	rootCmd.PersistentFlags().StringVar(&cli.sessionID, "session", "", "Session id (default: new session)")
	rootCmd.Flags().BoolVar(&undo, "undo", false, "Roll back the last patch set")
	rootCmd.Flags().BoolVar(&replay, "replay", false, "Render the session event tape")

	rootCmd.AddCommand(newRunCommand(cli))
	rootCmd.AddCommand(newVersionCommand())

	viper.SetConfigName("brewva-config")
	viper.SetConfigType("json")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	return rootCmd
}

func newRunCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one session turn against the runtime",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return &exitError{code: 1, err: err}
			}
			prompt := strings.Join(args, " ")
			if cli.outputMode == "json" {
				return cli.runScripted(prompt)
			}
			if prompt == "" {
				return &exitError{code: 2, err: errors.New("run requires a prompt outside --mode json")}
			}
			return cli.runPrompt(prompt)
		},
	}
	cmd.Flags().BoolVar(&cli.printMode, "print", false, "Print the planned context and exit")
	cmd.Flags().StringVar(&cli.outputMode, "mode", "", "Output mode: json for ndjson events")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brewva %s\n", version)
		},
	}
}

const version = "0.9.0"

// initialize resolves the workspace, loads configuration, and wires the
// runtime. Flag values override file values.
func (cli *CLI) initialize() error {
	if cli.rt != nil {
		return nil
	}
	if err := viper.ReadInConfig(); err == nil {
		if cli.configPath == "" {
			cli.configPath = viper.ConfigFileUsed()
		}
	}

	result := config.NewLoader().Load(cli.configPath)
	cli.cfg = result.Config
	for _, diag := range result.Diagnostics {
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", gray("config"), diag.Kind, diag.Message)
	}

	workspace := cli.cwd
	if workspace == "" {
		workspace = cli.cfg.Workspace
	}
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	cli.cfg.Workspace = abs
	if cli.model != "" {
		cli.cfg.Model = cli.model
	}
	if cli.sessionID == "" {
		cli.sessionID = id.NewSessionID()
	}

	rt, err := newRuntime(cli.cfg)
	if err != nil {
		return err
	}
	cli.rt = rt
	return nil
}

// Execute runs the CLI and maps errors to process exit codes: 0 success,
// 1 runtime failure, 2 argument error, 130/143 signals.
func Execute() int {
	rootCmd := NewRootCommand()
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
	return 2
}
