// Command mock serves a fake OpenAI, Anthropic and Ollama backend for local testing.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/mockupstream"
	"chatbridge/pkg/logger"
)

func parseFlags(args []string, stderr io.Writer) (string, mockupstream.Options, error) {
	var addr, level string
	var opts mockupstream.Options
	fs := flag.NewFlagSet("mock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&addr, "addr", ":8081", "Listen address")
	fs.StringVar(&opts.APIKey, "api-key", "", "Require this key as Bearer token or x-api-key")
	fs.IntVar(&opts.FailFirst, "fail-first", 0, "Fail this many chat requests before serving normally")
	fs.IntVar(&opts.FailStatus, "fail-status", http.StatusServiceUnavailable, "Status code for injected failures")
	fs.DurationVar(&opts.ChunkDelay, "chunk-delay", 100*time.Millisecond, "Delay between streamed chunks")
	fs.StringVar(&level, "log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return "", opts, err
	}
	logger.Configure(stderr, level, "text")
	return addr, opts, nil
}

func main() {
	addr, opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mockupstream.New(opts).Run(ctx, addr); err != nil {
		logger.Fatalf("Mock server stopped: %v", err)
	}
}
