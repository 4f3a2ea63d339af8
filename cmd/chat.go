package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"eduhelper/orchestrator"
	"eduhelper/server"
	"eduhelper/utils"
)

const chatHelp = `Type a question to start a task. Commands:
  /skip                    skip the interview
  /confirm                 accept the proposed plan
  /edit <text>             ask for a different plan
  /cancel                  drop the current task
  /image <path> [caption]  send a photo
  /voice <path>            send a voice message
  /<n>                     pick choice n from the last reply
  /quit`

var errQuit = errors.New("quit")

func chatCmd() *cobra.Command {
	var (
		userID string
		plain  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the engine from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			in, out := cmd.InOrStdin(), cmd.OutOrStdout()
			interactive := !plain && isTerminal(in)

			console := &consoleOutbox{w: out}
			var (
				notifier orchestrator.Outbox = console
				notices  chan orchestrator.Reply
			)
			if interactive {
				notices = make(chan orchestrator.Reply, 16)
				notifier = orchestrator.OutboxFunc(func(ctx context.Context, r orchestrator.Reply) error {
					select {
					case notices <- r:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})
			}

			orch, err := app.newOrchestrator(notifier)
			if err != nil {
				return err
			}
			interval := time.Duration(app.config.Engine.JanitorIntervalSeconds) * time.Second
			janitorDone := utils.SafeGo(app.logger, "state janitor", func() {
				_ = orch.RunJanitor(ctx, interval)
			})
			defer func() {
				stop()
				<-janitorDone
			}()

			if interactive {
				return runTUI(ctx, orch, userID, notices, in, out)
			}
			fmt.Fprintln(out, chatHelp)
			return runChat(ctx, orch, console, userID, in)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "console", "User id to chat as")
	cmd.Flags().BoolVar(&plain, "plain", false, "Use the line prompt even on a terminal")
	return cmd
}

// runChat reads lines from in until EOF, /quit or ctx ends.
func runChat(ctx context.Context, h server.EventHandler, console *consoleOutbox, userID string, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		console.prompt()
		if !scanner.Scan() {
			return scanner.Err()
		}
		ev, err := parseLine(scanner.Text(), console.lastChoices(), os.ReadFile)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			console.notice(err.Error())
			continue
		}
		if ev == nil {
			continue
		}
		ev.UserID = userID
		ev.ReceivedAt = time.Now()
		if err := h.Handle(ctx, *ev, console); err != nil && ctx.Err() != nil {
			return nil
		}
	}
}

// parseLine turns one console line into an event. A nil event with a nil
// error means there is nothing to send.
func parseLine(line string, choices []orchestrator.Choice, readFile func(string) ([]byte, error)) (*orchestrator.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		return &orchestrator.Event{Kind: orchestrator.EventText, Text: line}, nil
	}

	command, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "quit", "exit":
		return nil, errQuit
	case "help":
		return nil, errors.New(chatHelp)
	case "skip":
		return &orchestrator.Event{Kind: orchestrator.EventSkip}, nil
	case "confirm":
		return &orchestrator.Event{Kind: orchestrator.EventConfirm}, nil
	case "cancel":
		return &orchestrator.Event{Kind: orchestrator.EventCancel}, nil
	case "edit":
		return &orchestrator.Event{Kind: orchestrator.EventEdit, Text: rest}, nil
	case "image", "voice":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return nil, fmt.Errorf("usage: /%s <path>", command)
		}
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		kind := orchestrator.EventImage
		if command == "voice" {
			kind = orchestrator.EventVoice
			caption = ""
		}
		return &orchestrator.Event{
			Kind:     kind,
			Text:     strings.TrimSpace(caption),
			Data:     data,
			MimeType: http.DetectContentType(data),
		}, nil
	}

	if n, err := strconv.Atoi(command); err == nil {
		if n < 1 || n > len(choices) {
			return nil, fmt.Errorf("no choice %d", n)
		}
		c := choices[n-1]
		return &orchestrator.Event{Kind: c.Action, Text: c.Value}, nil
	}
	return nil, fmt.Errorf("unknown command /%s, try /help", command)
}

// consoleOutbox prints replies and remembers the last set of choices.
type consoleOutbox struct {
	mu      sync.Mutex
	w       io.Writer
	choices []orchestrator.Choice
}

// Send implements orchestrator.Outbox.
func (c *consoleOutbox) Send(_ context.Context, r orchestrator.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.w, "\n%s\n", r.Text)
	if len(r.Choices) > 0 {
		c.choices = r.Choices
		fmt.Fprintln(c.w, choiceLines(r.Choices))
	}
	return nil
}

// choiceLines lists choices as the /<n> commands that pick them.
func choiceLines(choices []orchestrator.Choice) string {
	lines := make([]string, len(choices))
	for i, choice := range choices {
		lines[i] = fmt.Sprintf("  /%d %s", i+1, choice.Label)
	}
	return strings.Join(lines, "\n")
}

func (c *consoleOutbox) lastChoices() []orchestrator.Choice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.choices
}

func (c *consoleOutbox) notice(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, msg)
}

func (c *consoleOutbox) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.w, "> ")
}
