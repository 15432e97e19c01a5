// ABOUTME: Interactive chat loop with slash commands and streamed reply rendering
// ABOUTME: Watches registry changes to print deltas as they land in the active conversation

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/strandline/parley/internal/backend"
	"github.com/strandline/parley/internal/config"
	"github.com/strandline/parley/internal/export"
	"github.com/strandline/parley/internal/history"
	"github.com/strandline/parley/internal/session"
	"github.com/strandline/parley/internal/store"
)

func runChat(ctx context.Context) error {
	cfg, logger, client, err := loadEnvironment()
	if err != nil {
		return err
	}

	notifier := store.NewNotifier(logger)
	defer notifier.Close()
	registry := store.NewRegistry(notifier, logger)
	controller := session.NewController(registry, client, logger)

	fmt.Printf("parley connected to %s\n", cfg.Server.BaseURL)

	ready := probeReadiness(ctx, client)

	if err := history.Bootstrap(ctx, client, registry, logger); err != nil {
		color.Yellow("Could not load history, starting fresh: %v", err)
	} else if n := registry.Len(); n > 1 || len(registry.Active().Messages) > 0 {
		fmt.Printf("Restored %d conversation(s).\n", n)
	}

	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return chatLoop(ctx, cfg, registry, controller, notifier, client, ready)
}

// probeReadiness checks whether the backend can take sends yet.
func probeReadiness(ctx context.Context, client *backend.Client) bool {
	h, err := client.Health(ctx)
	if err != nil {
		color.Yellow("Backend health check failed: %v", err)
		return false
	}
	if !h.Ready() {
		color.Yellow("The context provider is still warming up; sends are disabled until it is ready.")
		return false
	}
	return true
}

func chatLoop(ctx context.Context, cfg *config.Config, registry *store.Registry, controller *session.Controller, notifier *store.Notifier, client *backend.Client, ready bool) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		active := registry.Active()
		fmt.Printf("[%s]> ", active.Title())

		input, err := readLine(ctx, scanner)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := dispatchCommand(ctx, cfg, registry, controller, client, input)
			if err != nil {
				color.Red("[error] %v", err)
			}
			if quit {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Println()
			continue
		}

		if !ready {
			// Re-probe on demand; readiness is a warming-up state, not a
			// permanent one.
			ready = probeReadiness(ctx, client)
			if !ready {
				fmt.Println()
				continue
			}
		}

		if err := sendAndRender(ctx, registry, controller, notifier, input); err != nil {
			color.Red("[error] %v", err)
		}
		fmt.Println()
	}
}

// readLine reads one line of input without blocking signal handling.
func readLine(ctx context.Context, scanner *bufio.Scanner) (string, error) {
	inputCh := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		if scanner.Scan() {
			inputCh <- scanner.Text()
		} else {
			if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}
	}()

	select {
	case <-ctx.Done():
		return "", io.EOF
	case err := <-errCh:
		return "", err
	case input := <-inputCh:
		return input, nil
	}
}

// dispatchCommand handles one slash command. The bool result asks the
// loop to exit.
func dispatchCommand(ctx context.Context, cfg *config.Config, registry *store.Registry, controller *session.Controller, client *backend.Client, input string) (bool, error) {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		printChatHelp()
		return false, nil

	case "/new":
		conv := controller.NewChat()
		fmt.Printf("Started a new conversation (%s).\n", shortID(conv.ID))
		return false, nil

	case "/chats":
		listChats(registry, controller)
		return false, nil

	case "/use":
		conv, err := resolveChat(registry, args)
		if err != nil {
			return false, err
		}
		if err := controller.SelectChat(conv.ID); err != nil {
			return false, err
		}
		fmt.Printf("Now in %q.\n", conv.Title())
		return false, nil

	case "/delete":
		conv, err := resolveChat(registry, args)
		if err != nil {
			return false, err
		}
		if err := controller.DeleteChat(ctx, conv.ID); err != nil {
			return false, err
		}
		fmt.Printf("Deleted %q.\n", conv.Title())
		return false, nil

	case "/clear":
		active := registry.Active()
		if active.ID == "" {
			return false, store.ErrNotFound
		}
		if err := controller.ClearChat(ctx, active.ID); err != nil {
			return false, err
		}
		fmt.Println("Conversation cleared.")
		return false, nil

	case "/cancel":
		active := registry.Active()
		if !controller.Streaming(active.ID) {
			fmt.Println("Nothing is streaming here.")
			return false, nil
		}
		controller.CancelChat(active.ID)
		fmt.Println("Reply cancelled.")
		return false, nil

	case "/export":
		return false, exportActive(cfg, registry, controller, args)

	case "/usage":
		u, err := client.Usage(ctx)
		if err != nil {
			return false, fmt.Errorf("fetching usage: %w", err)
		}
		printUsageCounters(u)
		return false, nil

	case "/health":
		probeReadiness(ctx, client)
		fmt.Println("Checked.")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new             Start a new conversation and switch to it")
	fmt.Println("  /chats           List conversations, most recent first")
	fmt.Println("  /use <n>         Switch to conversation n from /chats")
	fmt.Println("  /delete [n]      Delete a conversation (default: current)")
	fmt.Println("  /clear           Remove all messages from the current conversation")
	fmt.Println("  /cancel          Abort the reply streaming into the current conversation")
	fmt.Println("  /export [path]   Write the current conversation to a transcript file")
	fmt.Println("  /usage           Show backend token usage")
	fmt.Println("  /health          Re-check backend readiness")
	fmt.Println("  /quit            Exit")
}

// listChats prints every conversation with its selector index.
func listChats(registry *store.Registry, controller *session.Controller) {
	conversations := registry.List()
	activeID := registry.ActiveID()

	for i, conv := range conversations {
		marker := " "
		if conv.ID == activeID {
			marker = color.GreenString("*")
		}
		streaming := ""
		if controller.Streaming(conv.ID) {
			streaming = color.YellowString(" [streaming]")
		}
		fmt.Printf("%s %2d. %s%s  %s\n",
			marker, i+1, conv.Title(), streaming,
			color.HiBlackString("(%d messages, %s)", len(conv.Messages), conv.UpdatedAt.Format("Jan 2 15:04")))
	}
}

// resolveChat maps a 1-based /chats index to a conversation. Empty
// input means the current conversation.
func resolveChat(registry *store.Registry, arg string) (*store.Conversation, error) {
	if arg == "" {
		active := registry.Active()
		if active.ID == "" {
			return nil, store.ErrNotFound
		}
		return active, nil
	}

	n, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("expected a conversation number from /chats, got %q", arg)
	}
	conversations := registry.List()
	if n < 1 || n > len(conversations) {
		return nil, fmt.Errorf("no conversation %d (have %d)", n, len(conversations))
	}
	return conversations[n-1], nil
}

// exportActive writes the current conversation's transcript.
func exportActive(cfg *config.Config, registry *store.Registry, controller *session.Controller, path string) error {
	active := registry.Active()
	if active.ID == "" {
		return store.ErrNotFound
	}

	if path == "" {
		path = filepath.Join(cfg.Export.Dir, export.DefaultFilename(active, time.Now()))
	}

	if err := controller.ExportChat(active.ID, path); err != nil {
		if errors.Is(err, export.ErrEmptyConversation) {
			return fmt.Errorf("nothing to export: %w", err)
		}
		return err
	}
	fmt.Printf("Exported to %s\n", path)
	return nil
}

// sendAndRender starts a turn in the active conversation and prints
// content deltas as the registry applies them. The watcher is
// registered before the send so no change is missed.
func sendAndRender(ctx context.Context, registry *store.Registry, controller *session.Controller, notifier *store.Notifier, text string) error {
	conversationID := registry.ActiveID()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	changes, _ := notifier.Subscribe(watchCtx, conversationID)

	s, err := controller.Send(ctx, conversationID, text)
	if err != nil {
		if errors.Is(err, store.ErrTurnInFlight) {
			return fmt.Errorf("wait for the current reply to finish (or /cancel it)")
		}
		return err
	}

	label := color.CyanString("Assistant: ")
	fmt.Print(label)

	printed := 0
	flush := func() {
		conv, err := registry.Get(conversationID)
		if err != nil || len(conv.Messages) == 0 {
			return
		}
		content := conv.Messages[len(conv.Messages)-1].Content
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	}

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				fmt.Println()
				return nil
			}
			switch change.Kind {
			case store.ChangeReplyUpdated:
				flush()
			case store.ChangeReplyFinalized:
				flush()
				fmt.Println()
				return nil
			case store.ChangeReplyFailed:
				flush()
				fmt.Println()
				return nil
			case store.ChangeDeleted, store.ChangeCleared:
				fmt.Println()
				return nil
			}

		case <-s.Done():
			flush()
			fmt.Println()
			return nil

		case <-ctx.Done():
			fmt.Println()
			return nil
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
