// Sandbox server - runs Python code in a Jupyter kernel on behalf of remote callers
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/sandbox/aggregate"
	"github.com/chazu/sandbox/config"
	"github.com/chazu/sandbox/kernel"
	"github.com/chazu/sandbox/kernel/gateway"
	"github.com/chazu/sandbox/kernel/local"
	"github.com/chazu/sandbox/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", config.FileName, "Configuration file")
	host := flag.String("host", "", "Listen host (overrides [server] host)")
	port := flag.Int("port", 0, "Listen port (overrides [server] port, default 8812)")
	backend := flag.String("backend", "", "Kernel backend: local or gateway")
	gatewayURL := flag.String("gateway-url", "", "Jupyter server URL for the gateway backend")
	verbose := flag.Bool("v", false, "Verbose output")
	noMCP := flag.Bool("no-mcp", false, "Do not serve the MCP endpoint")
	showVersion := flag.Bool("version", false, "Print the version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sandbox [options]\n\n")
		fmt.Fprintf(os.Stderr, "Starts a Python kernel and serves RunCode over Connect, gRPC and MCP.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sandbox                                   # Local ipykernel on :8812\n")
		fmt.Fprintf(os.Stderr, "  sandbox -config /etc/sandbox.toml -v      # Explicit config, debug logging\n")
		fmt.Fprintf(os.Stderr, "  sandbox -backend gateway -gateway-url http://jupyter:8888\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Merge(&config.Config{
		Server: config.Server{Host: *host, Port: *port},
		Kernel: config.Kernel{Backend: *backend, Gateway: config.Gateway{URL: *gatewayURL}},
	})
	if *verbose {
		cfg.Log.Verbosity = 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)
	log := commonlog.GetLogger("sandbox")
	if cfg.Path != "" {
		log.Infof("loaded configuration from %s", cfg.Path)
	}

	launcher := newLauncher(cfg)
	newSession := func() *kernel.Session {
		return kernel.NewSession(launcher,
			kernel.WithStartupTimeout(cfg.Kernel.StartupTimeout.Std()),
			kernel.WithShutdownTimeout(cfg.Kernel.ShutdownTimeout.Std()),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A kernel that cannot start at boot is fatal.
	session := newSession()
	if err := session.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	opts := []server.ServerOption{
		server.WithSessionFactory(newSession),
		server.WithMaxPending(cfg.Server.MaxPending),
		server.WithAggregator(aggregate.New(
			aggregate.WithMessageTimeout(cfg.Execution.MessageTimeout.Std()),
			aggregate.WithStripANSI(cfg.Execution.StripANSI),
		)),
		server.WithVersion(version),
	}
	if *noMCP {
		opts = append(opts, server.WithoutMCP())
	}
	srv := server.New(session, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Kernel.ShutdownTimeout.Std()+5*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path. The default file may be absent; an explicitly
// named one may not.
func loadConfig(path string) (*config.Config, error) {
	if path == config.FileName {
		return config.LoadOrDefault(path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s does not exist", path)
	}
	return config.Load(path)
}

func newLauncher(cfg *config.Config) kernel.Launcher {
	switch cfg.Kernel.Backend {
	case config.BackendGateway:
		return &gateway.Launcher{
			URL:        cfg.Kernel.Gateway.URL,
			Token:      cfg.Kernel.Gateway.Token,
			KernelName: cfg.Kernel.Gateway.KernelName,
		}
	default:
		return &local.Launcher{
			Argv: cfg.Kernel.Argv,
			IP:   cfg.Kernel.IP,
		}
	}
}
