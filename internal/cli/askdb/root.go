// Package askdb implements the askdb command-line interface.
package askdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/chzyer/readline"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/askdb/askdb/internal/app"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/secrets"
)

const (
	ServiceName   = "askdb"
	DefaultTopic  = "default"
	ChatPrompt    = "Enter your query: "
	ExitUsage     = 2
	ExitFailure   = 1
	ExitSucceeded = 0
)

// LineReader is the input side of the chat loop. *readline.Instance
// satisfies it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

type Options struct {
	Version string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer

	LookupEnv     config.LookupFunc
	LoadConfig    func() (config.Config, error)
	OpenApp       func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, error)
	OpenKeys      func() (*secrets.Store, error)
	NewLineReader func(prompt string) (LineReader, error)
	HTTPClient    *http.Client
}

// CLI holds the resolved options and flag values shared by every command.
type CLI struct {
	opts      Options
	verbose   bool
	logFormat string
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func New(opts Options) *CLI {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = func() (config.Config, error) { return config.LoadFromEnv(ServiceName) }
	}
	if opts.OpenKeys == nil {
		opts.OpenKeys = secrets.Open
	}
	if opts.NewLineReader == nil {
		opts.NewLineReader = newReadline
	}
	c := &CLI{opts: opts}
	if opts.OpenApp == nil {
		c.opts.OpenApp = c.openApp
	}
	return c
}

// RootCommand builds the command tree.
func (c *CLI) RootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "askdb",
		Short: "Ask questions of a SQL database in plain language",
		Long: `askdb turns natural-language questions into SQL with an LLM, runs the
statement against the configured database and shows the result.

Each topic keeps its own conversation so follow-up questions can refer to
earlier ones. Configuration is read from ASKDB_* environment variables and an
optional .env file.`,
		Version:       c.opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(c.opts.Stdin)
	rootCmd.SetOut(c.opts.Stdout)
	rootCmd.SetErr(c.opts.Stderr)

	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "console", "Log format: console, text or json")

	c.addChatCommand(rootCmd)
	c.addAskCommand(rootCmd)
	c.addSchemaCommand(rootCmd)
	c.addMCPCommand(rootCmd)
	c.addKeyCommands(rootCmd)
	c.addRemoteCommand(rootCmd)

	return rootCmd
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, opts Options) int {
	c := New(opts)
	rootCmd := c.RootCommand()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSucceeded
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	_, _ = fmt.Fprintln(c.opts.Stderr, pterm.Error.Sprint(err.Error()))
	return ExitFailure
}

// loadApp reads configuration and opens the database, catalog and session
// manager. Logs go to stderr so stdout stays free for results.
func (c *CLI) loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := c.opts.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.logFormat != "" {
		cfg.Observability.LogFormat = c.logFormat
	}
	cfg.Observability.LogLevel = slog.LevelWarn
	if c.verbose {
		cfg.Observability.LogLevel = slog.LevelDebug
	}
	logger := observability.NewLogger(cfg, c.opts.Stderr)
	return c.opts.OpenApp(ctx, cfg, logger)
}

func (c *CLI) openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, error) {
	appOpts := app.Options{}
	keys, err := c.opts.OpenKeys()
	if err != nil {
		logger.Warn("keyring unavailable", slog.Any("error", err))
	} else if keys != nil {
		appOpts.Keys = keys
	}
	return app.New(ctx, cfg, logger, appOpts)
}

func newReadline(prompt string) (LineReader, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return rl, nil
}
