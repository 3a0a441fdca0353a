package askdb

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/askdb/askdb/internal/cli/remote"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/mcptools"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/secrets"
)

func (c *CLI) addAskCommand(root *cobra.Command) {
	var topic string
	var asJSON bool
	askCmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask a single question and print the SQL and its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			outcome, err := a.Manager.Submit(cmd.Context(), topic, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(outcome); err != nil {
					return err
				}
			} else {
				printOutcome(out, outcome)
			}
			if outcome.Result.Failed() {
				return &exitError{code: ExitFailure}
			}
			return nil
		},
	}
	askCmd.Flags().StringVarP(&topic, "topic", "t", DefaultTopic, "Conversation topic")
	askCmd.Flags().BoolVar(&asJSON, "json", false, "Print the outcome as JSON")
	root.AddCommand(askCmd)
}

func (c *CLI) addSchemaCommand(root *cobra.Command) {
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema catalog sent to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), schema.Render(a.Manager.Catalog()))
			return err
		},
	}
	root.AddCommand(schemaCmd)
}

func (c *CLI) addMCPCommand(root *cobra.Command) {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve askdb tools over MCP on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			s := mcptools.NewServer(ServiceName, c.opts.Version, mcptools.Deps{Sessions: a.Manager, Logger: a.Logger})
			a.Logger.Info("serving mcp on stdio")
			return mcptools.ServeStdio(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	root.AddCommand(mcpCmd)
}

func (c *CLI) addKeyCommands(root *cobra.Command) {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage credentials stored in the system keyring",
	}

	var value string
	setCmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store an LLM provider API key",
		Long:  "Stores the API key for openai, anthropic or gemini. Without --value the key is read from the first line of stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			secret, err := c.secretValue(cmd, value)
			if err != nil {
				return err
			}
			keys, err := c.opts.OpenKeys()
			if err != nil {
				return err
			}
			if err := keys.SetAPIKey(provider, secret); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("stored %s api key", provider))
			return nil
		},
	}
	setCmd.Flags().StringVar(&value, "value", "", "Key to store instead of reading stdin")

	removeCmd := &cobra.Command{
		Use:   "remove <provider>",
		Short: "Delete a stored LLM provider API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			keys, err := c.opts.OpenKeys()
			if err != nil {
				return err
			}
			if err := keys.RemoveAPIKey(provider); err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return fmt.Errorf("no %s api key stored", provider)
				}
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("removed %s api key", provider))
			return nil
		},
	}

	var dsnValue string
	setDSNCmd := &cobra.Command{
		Use:   "set-dsn",
		Short: "Store the database DSN used when ASKDB_DB_DSN is unset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := c.secretValue(cmd, dsnValue)
			if err != nil {
				return err
			}
			keys, err := c.opts.OpenKeys()
			if err != nil {
				return err
			}
			if err := keys.SetDatabaseDSN(dsn); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprint("stored database dsn"))
			return nil
		},
	}
	setDSNCmd.Flags().StringVar(&dsnValue, "value", "", "DSN to store instead of reading stdin")

	removeDSNCmd := &cobra.Command{
		Use:   "remove-dsn",
		Short: "Delete the stored database DSN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := c.opts.OpenKeys()
			if err != nil {
				return err
			}
			if err := keys.RemoveDatabaseDSN(); err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return errors.New("no database dsn stored")
				}
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprint("removed database dsn"))
			return nil
		},
	}

	keyCmd.AddCommand(setCmd, removeCmd, setDSNCmd, removeDSNCmd)
	root.AddCommand(keyCmd)
}

func (c *CLI) addRemoteCommand(root *cobra.Command) {
	remoteCmd := &cobra.Command{
		Use:                "remote [flags] <command> [args]",
		Short:              "Call a running askdb API server",
		Long:               "Flags and commands are passed through; run 'askdb remote' without arguments for the command list.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := remote.Run(cmd.Context(), args, remote.Options{
				BaseURL:    c.env("ASKDB_API_URL"),
				APIKey:     c.env("ASKDB_API_KEY"),
				Timeout:    c.envDuration("ASKDB_CLI_TIMEOUT"),
				HTTPClient: c.opts.HTTPClient,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			if code != ExitSucceeded {
				return &exitError{code: code}
			}
			return nil
		},
	}
	root.AddCommand(remoteCmd)
}

// secretValue returns flagValue or, when it is empty, the first line of stdin.
func (c *CLI) secretValue(cmd *cobra.Command, flagValue string) (string, error) {
	value := strings.TrimSpace(flagValue)
	if value == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read value from stdin: %w", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return "", errors.New("value must not be empty")
	}
	return value, nil
}

func (c *CLI) env(key string) string {
	value, _ := c.opts.LookupEnv(key)
	return strings.TrimSpace(value)
}

func (c *CLI) envDuration(key string) time.Duration {
	raw := c.env(key)
	if raw == "" {
		return 0
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(c.opts.Stderr, "invalid %s %q; using default\n", key, raw)
		return 0
	}
	return parsed
}

func parseProvider(raw string) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(raw))
	switch provider {
	case config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini:
		return provider, nil
	default:
		return "", fmt.Errorf("unknown provider %q: want %s, %s or %s", raw, config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini)
	}
}
