package askdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/askdb/askdb/internal/session"
)

// Sessions is the part of the session manager the interactive commands use.
type Sessions interface {
	Submit(ctx context.Context, topic, text string) (session.Outcome, error)
	Topics() []string
	RemoveTopic(topic string) bool
	CurrentResult(topic string) (session.QueryResult, bool)
}

func (c *CLI) addChatCommand(root *cobra.Command) {
	var topic string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive question-and-answer session",
		Long: `Reads questions line by line, prints the generated SQL and the rows it
returns. Lines starting with ':' are commands; type :help to list them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			reader, err := c.opts.NewLineReader(ChatPrompt)
			if err != nil {
				return fmt.Errorf("open terminal: %w", err)
			}
			defer func() { _ = reader.Close() }()

			out := cmd.OutOrStdout()
			banner := fmt.Sprintf("Database: %s\nTables: %d\nTopic: %s", a.Dialect.Name, a.Manager.Catalog().Len(), topic)
			_, _ = fmt.Fprintln(out, pterm.DefaultBox.WithTitle("askdb").WithPadding(1).Sprint(banner))
			loop := &chatLoop{sessions: a.Manager, reader: reader, out: out, topic: topic}
			return loop.run(cmd.Context())
		},
	}
	chatCmd.Flags().StringVarP(&topic, "topic", "t", DefaultTopic, "Conversation topic to start in")
	root.AddCommand(chatCmd)
}

type chatLoop struct {
	sessions Sessions
	reader   LineReader
	out      io.Writer
	topic    string
}

func (l *chatLoop) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := l.reader.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if strings.TrimSpace(line) == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, ":") {
			if quit := l.command(trimmed); quit {
				return nil
			}
			continue
		}

		outcome, err := l.sessions.Submit(ctx, l.topic, line)
		if err != nil {
			_, _ = fmt.Fprintln(l.out, pterm.Error.Sprint(err.Error()))
			continue
		}
		printOutcome(l.out, outcome)
	}
}

// command handles a ':' line and reports whether the loop should stop.
func (l *chatLoop) command(line string) bool {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		l.help()
		return false
	}
	switch fields[0] {
	case "quit", "exit", "q":
		return true
	case "topic":
		if len(fields) < 2 {
			_, _ = fmt.Fprintf(l.out, "current topic: %s\n", l.topic)
			return false
		}
		l.topic = strings.Join(fields[1:], " ")
		l.reader.SetPrompt(l.prompt())
		_, _ = fmt.Fprintf(l.out, "switched to topic %s\n", l.topic)
	case "topics":
		topics := l.sessions.Topics()
		if len(topics) == 0 {
			_, _ = fmt.Fprintln(l.out, "no active topics")
			return false
		}
		for _, topic := range topics {
			marker := " "
			if topic == l.topic {
				marker = "*"
			}
			_, _ = fmt.Fprintf(l.out, "%s %s\n", marker, topic)
		}
	case "forget":
		if l.sessions.RemoveTopic(l.topic) {
			_, _ = fmt.Fprintf(l.out, "forgot topic %s\n", l.topic)
		} else {
			_, _ = fmt.Fprintf(l.out, "topic %s has no conversation\n", l.topic)
		}
	case "result":
		result, ok := l.sessions.CurrentResult(l.topic)
		if !ok {
			_, _ = fmt.Fprintln(l.out, "no result yet")
			return false
		}
		printResult(l.out, result)
	case "help":
		l.help()
	default:
		_, _ = fmt.Fprintf(l.out, "unknown command :%s\n", fields[0])
		l.help()
	}
	return false
}

func (l *chatLoop) prompt() string {
	if l.topic == DefaultTopic {
		return ChatPrompt
	}
	return "[" + l.topic + "] " + ChatPrompt
}

func (l *chatLoop) help() {
	_, _ = fmt.Fprintln(l.out, `commands:
  :topic [name]  show or switch the current topic
  :topics        list topics with a conversation
  :forget        discard the current topic's conversation
  :result        show the latest result again
  :quit          leave askdb`)
}
