package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/MrWong99/voicesync/internal/relay"
	"github.com/MrWong99/voicesync/internal/server"
)

// runAsk posts one question to a running server and relays the streamed
// answer to out, followed by client and server latency figures.
func runAsk(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	baseURL := fs.String("url", "http://localhost:8080", "server base URL")
	system := fs.String("system", "", "system prompt")
	maxTokens := fs.Int("max-tokens", 0, "reply token limit (0 uses the server default)")
	timeout := fs.Duration("timeout", 2*time.Minute, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "voicesync ask: a question is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	req := server.ChatRequest{
		Messages:     []server.ChatMessage{{Role: "user", Content: question}},
		SystemPrompt: *system,
	}
	if *maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	if err := ask(ctx, http.DefaultClient, *baseURL, req, out); err != nil {
		fmt.Fprintf(os.Stderr, "voicesync ask: %v\n", err)
		return 1
	}
	return 0
}

// ask streams the completion for req from the server at baseURL to out.
func ask(ctx context.Context, client *http.Client, baseURL string, req server.ChatRequest, out io.Writer) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	stream := relay.NewSSEStream(resp.Body)
	defer stream.Close()

	sink := relay.FuncSink{OnPublish: func(f string) { fmt.Fprint(out, f) }}
	res, err := relay.New(relay.WithYieldInterval(-1)).Relay(ctx, stream, sink)
	fmt.Fprintln(out)
	if err != nil && !errors.Is(err, relay.ErrTransport) {
		return err
	}

	fmt.Fprintf(out, "\nfirst content: %s  total: %s  fragments: %d\n",
		res.TimeToFirstContent.Round(time.Millisecond), res.Total.Round(time.Millisecond), res.Fragments)
	if ttfc, total, ok := stream.ServerTiming(); ok {
		fmt.Fprintf(out, "server first content: %s  server total: %s\n",
			ttfc.Round(time.Millisecond), total.Round(time.Millisecond))
	}
	return err
}
