// Package main provides the entry point for the mcp-sessions server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-sessions/internal/server"
	"github.com/txn2/mcp-sessions/pkg/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("mcp-sessions version %s\n", server.Version)
		return nil
	}

	ctx := setupSignalHandler()

	s, err := createServer(opts)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() { _ = s.Close() }()

	return s.Run(ctx)
}

func createServer(opts serverOptions) (*server.Server, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	return server.New(cfg, buildMCPServer(cfg))
}

func loadConfig(opts serverOptions) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadConfig(opts.configPath)
	}
	return config.FromEnv()
}

// buildMCPServer constructs the MCP server fronted by the session layer.
// The tools are deliberately small: echo proves request/response routing,
// and count emits spaced progress notifications so a disconnected client
// can resume its stream and observe replay.
func buildMCPServer(cfg *config.Config) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: cfg.Server.Name, Version: server.Version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "echo",
		Description: "Echo a message back to the caller.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, echo)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "count",
		Description: "Emit n progress notifications at a fixed interval, then return.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, count)

	return srv
}

// echoInput carries the message the echo tool repeats back.
type echoInput struct {
	Message string `json:"message" jsonschema:"the message to echo back,required"`
}

func echo(_ context.Context, _ *mcp.CallToolRequest, args echoInput) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + args.Message}},
	}, nil, nil
}

// countInput drives the count tool.
type countInput struct {
	N          int `json:"n" jsonschema:"number of progress ticks to emit,required"`
	IntervalMS int `json:"interval_ms,omitempty" jsonschema:"delay between ticks in milliseconds (default 250)"`
}

func count(ctx context.Context, req *mcp.CallToolRequest, args countInput) (*mcp.CallToolResult, any, error) {
	interval := time.Duration(args.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	var progressToken any
	if req.Params != nil {
		progressToken = req.Params.GetProgressToken()
	}

	for i := 1; i <= args.N; i++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(interval):
		}
		if progressToken != nil && req.Session != nil {
			_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
				ProgressToken: progressToken,
				Progress:      float64(i),
				Total:         float64(args.N),
			})
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("counted to %d", args.N)}},
	}, nil, nil
}
