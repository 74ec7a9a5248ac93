package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"TrustMed/internal/config"
	"TrustMed/internal/session"
	"TrustMed/internal/telemetry"
	"TrustMed/internal/turn"
)

// repl drives one turn.Session from the terminal.
type repl struct {
	transport turn.Transport
	timeout   time.Duration
	logger    *slog.Logger
	out       io.Writer

	mu      sync.Mutex
	printed int
	current *turn.Session
}

func newREPL(transport turn.Transport, timeout time.Duration, out io.Writer, logger *slog.Logger) *repl {
	r := &repl{transport: transport, timeout: timeout, out: out, logger: logger}
	r.current = r.newSession()
	return r
}

func (r *repl) newSession() *turn.Session {
	r.mu.Lock()
	r.printed = 0
	r.mu.Unlock()
	return turn.New(r.transport, turn.Options{
		Timeout:  r.timeout,
		OnChange: r.show,
		Logger:   r.logger,
	})
}

// show prints assistant messages that have not been printed yet.
func (r *repl) show(msgs []session.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs[min(r.printed, len(msgs)):] {
		if m.Role == session.RoleAssistant {
			fmt.Fprintf(r.out, "\nBot: %s\n\nYou: ", m.Content)
		}
	}
	r.printed = len(msgs)
}

// handleCommand handles special commands
func (r *repl) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		r.current.Close()
		r.current = r.newSession()
		fmt.Fprintln(r.out, "Started new session")
		return false, nil

	case "/cancel":
		if r.current.State() != turn.Pending {
			fmt.Fprintln(r.out, "No request in progress")
			return false, nil
		}
		r.current.Cancel()
		return false, nil

	case "/history":
		msgs := r.current.Messages()
		if len(msgs) == 0 {
			fmt.Fprintln(r.out, "No messages yet")
			return false, nil
		}
		for _, m := range msgs {
			fmt.Fprintf(r.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.Role, m.Content)
		}
		if id := r.current.ServerID(); id != "" {
			fmt.Fprintf(r.out, "Server session: %s\n", id)
		}
		return false, nil

	case "/help":
		fmt.Fprintln(r.out, "Available commands:")
		fmt.Fprintln(r.out, "  /quit, /exit        - Exit the chat")
		fmt.Fprintln(r.out, "  /new-session        - Start a new chat session")
		fmt.Fprintln(r.out, "  /cancel             - Cancel the request in progress")
		fmt.Fprintln(r.out, "  /history            - Show the messages of this session")
		fmt.Fprintln(r.out, "  /help               - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

// Run reads lines from in until EOF or /quit.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "=== TrustMed Chat ===")
	fmt.Fprintln(r.out, "Ask a medical question. Type /help for commands, /quit to exit")
	fmt.Fprintln(r.out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := r.handleCommand(input)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if !r.current.Submit(ctx, input) {
			fmt.Fprintln(r.out, "Still waiting for the previous answer. Use /cancel to stop it.")
		}
	}

	// let an answer in flight finish printing before exiting
	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.current.Wait(waitCtx); err != nil {
		r.current.Cancel()
	}
	r.current.Close()

	fmt.Fprintln(r.out, "Goodbye!")
	return scanner.Err()
}

func main() {
	var (
		serverURL string
		timeout   time.Duration
		debug     bool
	)
	flag.StringVar(&serverURL, "url", "http://localhost:8000", "TrustMed API base URL")
	flag.DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default().Telemetry
	logger, logFile, err := telemetry.InitLogger(cfg, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	transport := turn.NewHTTPTransport(serverURL, &http.Client{Timeout: timeout})
	r := newREPL(transport, timeout, os.Stdout, logger.With("component", "chat"))

	if err := r.Run(context.Background(), os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logFile.Close()
		os.Exit(1)
	}
}
