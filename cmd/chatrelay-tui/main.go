// ABOUTME: Line-oriented terminal client for chatrelay over HTTP or gRPC
// ABOUTME: Streams replies as they arrive and manages conversations with slash commands

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/chatrelay/internal/client"
	"github.com/2389/chatrelay/internal/relayrpc"
	"github.com/2389/chatrelay/internal/stream"
)

var (
	gray   = color.New(color.FgHiBlack)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	blue   = color.New(color.FgBlue)
	green  = color.New(color.FgGreen)
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Relay HTTP base URL")
	transport := flag.String("transport", "http", "Chat transport: http or grpc")
	grpcAddr := flag.String("grpc-addr", "localhost:50051", "Relay gRPC address (with -transport grpc)")
	convID := flag.String("conversation", "", "Conversation ID to open")
	flag.Parse()

	// Decoder warnings would interleave with streamed text.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tr, closeTransport, err := newTransport(*transport, *server, *grpcAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeTransport()

	fmt.Printf("chatrelay-tui connected to %s (%s)\n", *server, *transport)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	t := &tui{api: client.NewAPI(*server, nil)}
	t.session = client.NewSession(tr, client.SessionOptions{
		Navigator: client.NavigatorFunc(func(id string) {
			gray.Printf("[new conversation %s]\n", id)
		}),
		Observer: client.Observer{
			OnEvent: func(ev stream.Event) {
				if txt, ok := ev.(stream.Text); ok {
					fmt.Print(txt.Fragment)
				}
			},
		},
	})

	if *convID != "" {
		if err := t.open(ctx, *convID); err != nil {
			red.Printf("[error] %v\n", err)
		}
	}

	if err := t.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// newTransport builds the chat transport selected on the command line.
func newTransport(kind, server, grpcAddr string) (client.Transport, func(), error) {
	switch kind {
	case "http":
		return client.NewHTTPTransport(server), func() {}, nil
	case "grpc":
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to %s: %w", grpcAddr, err)
		}
		return client.NewGRPCTransport(relayrpc.NewChatRelayClient(conn)), func() { _ = conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (want http or grpc)", kind)
	}
}

type tui struct {
	api     *client.API
	session *client.Session
}

func (t *tui) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)

	for {
		if id := t.session.ConversationID(); id != "" {
			fmt.Printf("[%s]> ", shortID(id))
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := t.command(ctx, input)
			if err != nil {
				red.Printf("[error] %v\n", err)
			}
			if quit {
				return nil
			}
			fmt.Println()
			continue
		}

		blue.Print("→ ")
		if err := t.session.Send(ctx, input); err != nil {
			fmt.Println()
			printSendError(err)
		} else {
			fmt.Println()
		}
		fmt.Println()
	}
}

// command runs a slash command and reports whether the TUI should exit.
func (t *tui) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		printHelp()
	case "/new":
		if err := t.session.Load("", nil); err != nil {
			return false, err
		}
		fmt.Println("Started a new conversation")
	case "/list":
		return false, t.list(ctx)
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <id>")
		}
		return false, t.open(ctx, arg)
	case "/title":
		id := t.session.ConversationID()
		if id == "" {
			return false, errors.New("no conversation yet; send a message first")
		}
		conv, err := t.api.UpdateTitle(ctx, id, arg)
		if err != nil {
			return false, err
		}
		fmt.Printf("Renamed to %q\n", conv.DisplayTitle())
	case "/delete":
		id := arg
		if id == "" {
			id = t.session.ConversationID()
		}
		if id == "" {
			return false, errors.New("usage: /delete <id>")
		}
		if err := t.api.DeleteConversation(ctx, id); err != nil {
			return false, err
		}
		if id == t.session.ConversationID() {
			_ = t.session.Load("", nil)
		}
		fmt.Printf("Deleted %s\n", id)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (t *tui) list(ctx context.Context) error {
	convs, err := t.api.ListConversations(ctx, 20)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return nil
	}
	for _, c := range convs {
		marker := "  "
		if c.ID == t.session.ConversationID() {
			marker = green.Sprint("* ")
		}
		fmt.Printf("%s%s  %s ", marker, c.ID, truncate(c.DisplayTitle(), 40))
		gray.Printf("(%d messages)\n", c.MessageCount)
	}
	return nil
}

func (t *tui) open(ctx context.Context, id string) error {
	conv, err := t.api.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := t.session.Load(conv.ID, conv.Messages); err != nil {
		return err
	}

	cyan.Printf("%s\n", conv.DisplayTitle())
	gray.Println(strings.Repeat("-", 60))
	for _, m := range conv.Messages {
		if m.Role == client.RoleUser {
			blue.Print("→ ")
		} else {
			green.Print("← ")
		}
		fmt.Println(truncate(m.Content, 200))
	}
	gray.Println(strings.Repeat("-", 60))
	return nil
}

func printSendError(err error) {
	var apiErr *client.APIError
	var streamErr *client.StreamError
	switch {
	case errors.As(err, &apiErr) && apiErr.RateLimited():
		yellow.Printf("[rate limited] %s (retry in %ds)\n", apiErr.Message, apiErr.RetryAfter)
	case errors.As(err, &streamErr):
		red.Printf("[error] %s\n", streamErr.Reason)
	default:
		red.Printf("[error] %v\n", err)
	}
	gray.Println("(message not saved)")
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new           Start a new conversation")
	fmt.Println("  /list          List recent conversations")
	fmt.Println("  /open <id>     Open a conversation and show its messages")
	fmt.Println("  /title <text>  Rename the current conversation")
	fmt.Println("  /delete [id]   Delete a conversation (default: current)")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit the TUI")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
