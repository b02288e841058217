// Command chatbridge sends a prompt, or an interactive conversation, to the
// configured providers and prints the reply with its cost.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"chatbridge/internal/cache"
	"chatbridge/internal/config"
	"chatbridge/internal/models"
	"chatbridge/internal/providers/factory"
	"chatbridge/internal/registry"
	"chatbridge/internal/router"
	"chatbridge/pkg/errclass"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/pricing"
	"chatbridge/pkg/strategy"
)

const sweepInterval = time.Minute

type options struct {
	configPath  string
	provider    string
	model       string
	system      string
	inputPath   string
	maxTokens   int
	temperature float64
	stream      bool
	list        bool
	prompt      string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("chatbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to config file (default $CHATBRIDGE_CONFIG_PATH or ~/.config/chatbridge/config.yaml)")
	fs.StringVar(&o.provider, "provider", "", "Provider name; empty picks the best available one")
	fs.StringVar(&o.model, "model", "", "Model override for this run")
	fs.StringVar(&o.system, "system", "", "System prompt")
	fs.StringVar(&o.inputPath, "input", "", "Path to a JSON chat history to send")
	fs.IntVar(&o.maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	fs.Float64Var(&o.temperature, "temperature", -1, "Sampling temperature; negative leaves the vendor default")
	fs.BoolVar(&o.stream, "stream", true, "Stream the reply as it is generated")
	fs.BoolVar(&o.list, "list", false, "List providers with their availability and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.prompt = strings.Join(fs.Args(), " ")
	return o, nil
}

func (o options) callOptions() models.CallOptions {
	opts := models.CallOptions{Model: o.model, MaxTokens: o.maxTokens}
	if o.temperature >= 0 {
		t := o.temperature
		opts.Temperature = &t
	}
	return opts
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadLocalConfig()
	}
	return config.Load(path)
}

func loadHistory(path string) ([]models.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}
	var msgs []models.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return msgs, nil
}

// app is the wired runtime built from configuration.
type app struct {
	engine   *router.Engine
	registry *registry.Registry
	built    *factory.Built
	out      io.Writer
	opts     options

	totalCost float64
	usage     models.Usage
}

func newApp(ctx context.Context, cfg *config.Config, o options, out io.Writer) (*app, error) {
	var rm *config.RemoteManager
	remoteFallback := func() bool { return rm == nil || rm.FallbackOn404() }

	built, err := factory.Build(cfg, remoteFallback)
	if err != nil {
		return nil, err
	}
	reg := registry.New(strategy.NewResolver(cfg.Selection))
	if err := factory.Register(reg, built); err != nil {
		built.Close()
		return nil, err
	}

	if cfg.Remote.URL != "" {
		rm = config.NewRemoteManager(cfg.Remote.URL, cfg.Remote.PollInterval, built.Setters)
		rm.Start(ctx)
	}

	var c *cache.Cache
	if !cfg.Cache.Disabled {
		c = cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	}
	return &app{
		engine:   router.NewEngine(reg, c, cfg.Cache.Coalesce),
		registry: reg,
		built:    built,
		out:      out,
		opts:     o,
	}, nil
}

func (a *app) Close() error { return a.built.Close() }

// sweepSessions closes idle local sessions until ctx is done.
func (a *app) sweepSessions(ctx context.Context) {
	type sweeper interface{ Sweep() int }
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range a.built.Providers {
				if s, ok := p.(sweeper); ok {
					if n := s.Sweep(); n > 0 {
						logger.Debug("Closed idle sessions", "provider", p.Name(), "count", n)
					}
				}
			}
		}
	}
}

func (a *app) listProviders(ctx context.Context) {
	for _, st := range a.registry.ListWithAvailability(ctx) {
		state := "available"
		if !st.Available {
			state = "unavailable"
		}
		line := fmt.Sprintf("%-12s %-11s streaming=%t native_tools=%t cost_free=%t",
			st.Name, state, st.Capabilities.SupportsStreaming, st.Capabilities.SupportsNativeTools, st.Capabilities.CostFree)
		if st.Err != nil {
			line += " error=" + st.Err.Error()
		}
		fmt.Fprintln(a.out, line)
	}
}

// send routes one request and prints the reply. It returns the assistant message
// to append to the history.
func (a *app) send(ctx context.Context, msgs []models.Message) (models.Message, error) {
	req := models.ChatRequest{Messages: msgs}
	opts := a.opts.callOptions()

	var resp models.ChatResponse
	var provider string
	var cost float64
	cached := false

	if a.opts.stream {
		name, ch, err := a.engine.ChatStream(ctx, a.opts.provider, req, opts)
		if err != nil {
			return models.Message{}, err
		}
		provider = name
		for chunk := range ch {
			switch chunk.Type {
			case models.ChunkText:
				fmt.Fprint(a.out, chunk.Text)
			case models.ChunkToolStart:
				fmt.Fprintf(a.out, "\n[tool call %s]", chunk.Name)
			case models.ChunkError:
				fmt.Fprintln(a.out)
				return models.Message{}, chunk.Err
			case models.ChunkDone:
				resp = *chunk.Response
			}
		}
		if err := ctx.Err(); err != nil {
			return models.Message{}, err
		}
		fmt.Fprintln(a.out)
		cost = pricing.Estimate(resp.Model, resp.Usage)
	} else {
		res, err := a.engine.Chat(ctx, a.opts.provider, req, opts)
		if err != nil {
			return models.Message{}, err
		}
		resp, provider, cost, cached = res.Response, res.Provider, res.Cost, res.Cached
		fmt.Fprintln(a.out, resp.Content)
	}

	a.totalCost += cost
	a.usage.InputTokens += resp.Usage.InputTokens
	a.usage.OutputTokens += resp.Usage.OutputTokens
	a.usage.CachedInputTokens += resp.Usage.CachedInputTokens

	source := "upstream"
	if cached {
		source = "cache"
	}
	fmt.Fprintf(a.out, "-- %s/%s via %s: %s in, %s out, $%s\n",
		provider, resp.Model, source,
		humanize.Comma(int64(resp.Usage.InputTokens)), humanize.Comma(int64(resp.Usage.OutputTokens)),
		humanize.FtoaWithDigits(cost, 6))

	return models.Message{Role: models.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}, nil
}

func (a *app) summary() {
	fmt.Fprintf(a.out, "-- session: %s tokens, $%s\n",
		humanize.Comma(int64(a.usage.Total())), humanize.FtoaWithDigits(a.totalCost, 6))
	if c := a.engine.Cache(); c != nil {
		fmt.Fprintf(a.out, "-- cache: %s\n", c.Stats())
	}
}

// repl reads one user turn per line until EOF, keeping the conversation history.
func (a *app) repl(ctx context.Context, history []models.Message, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(a.out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(a.out, "> ")
			continue
		}
		history = append(history, models.Message{Role: models.RoleUser, Content: line})
		reply, err := a.send(ctx, history)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			history = history[:len(history)-1]
			fmt.Fprintf(a.out, "error (%s): %v\n", errclass.Classify(err).Category, err)
		} else {
			history = append(history, reply)
		}
		fmt.Fprint(a.out, "> ")
	}
	fmt.Fprintln(a.out)
	return scanner.Err()
}

func run(ctx context.Context, args []string, in io.Reader, out, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	logger.Configure(stderr, cfg.Logging.Level, cfg.Logging.Format)

	a, err := newApp(ctx, cfg, o, out)
	if err != nil {
		return err
	}
	defer a.Close()

	if o.list {
		a.listProviders(ctx)
		return nil
	}

	var history []models.Message
	if o.system != "" {
		history = append(history, models.Message{Role: models.RoleSystem, Content: o.system})
	}
	if o.inputPath != "" {
		msgs, err := loadHistory(o.inputPath)
		if err != nil {
			return err
		}
		history = append(history, msgs...)
	}

	if o.prompt == "" && o.inputPath == "" {
		sweepCtx, stop := context.WithCancel(ctx)
		defer stop()
		go a.sweepSessions(sweepCtx)
		err = a.repl(ctx, history, in)
	} else {
		if o.prompt != "" {
			history = append(history, models.Message{Role: models.RoleUser, Content: o.prompt})
		}
		_, err = a.send(ctx, history)
	}
	a.summary()
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		logger.Fatalf("chatbridge: %v", err)
	}
}
