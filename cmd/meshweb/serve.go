package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshweb/internal/config"
	"github.com/rmacdonaldsmith/meshweb/internal/webnode"
)

type serveOptions struct {
	configPath  string
	nodeID      string
	listen      string
	channel     string
	docRoot     string
	logLevel    string
	logFormat   string
	mounts      []string
	noMetrics   bool
	noAccessLog bool
}

func newServeCommand() *cobra.Command {
	return serveCommand(&serveOptions{})
}

func serveCommand(opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a gateway node",
		Long: `Run a gateway node. Settings come from the YAML file given with --config;
flags that are set explicitly override the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.nodeID, "node-id", "", "Node identifier (default: hostname)")
	flags.StringVar(&opts.listen, "listen", ":8080", "HTTP listen address")
	flags.StringVar(&opts.channel, "channel", "web", "Gateway bus channel")
	flags.StringVar(&opts.docRoot, "docroot", "", "Serve static files from this directory")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (text or json)")
	flags.StringArrayVar(&opts.mounts, "mount", nil, "Forward PATH to an upstream, as PATH=URL (repeatable)")
	flags.BoolVar(&opts.noMetrics, "no-metrics", false, "Disable the metrics endpoint")
	flags.BoolVar(&opts.noAccessLog, "no-access-log", false, "Disable the access log")
	return cmd
}

// load reads the config file, if any, then applies changed flags
func (o *serveOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.WithNodeID(o.nodeID)
	}
	if flags.Changed("listen") {
		cfg.WithListen(o.listen)
	}
	if flags.Changed("channel") {
		cfg.Channel = o.channel
	}
	if flags.Changed("docroot") {
		cfg.WithDocRoot(o.docRoot)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.noMetrics {
		cfg.Metrics.Enabled = false
	}
	if o.noAccessLog {
		cfg.AccessLog.Enabled = false
	}
	for _, m := range o.mounts {
		path, upstream, ok := strings.Cut(m, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --mount %q: expected PATH=URL", m)
		}
		cfg.WithMount(path, upstream)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := webnode.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("error closing node", "error", err)
		}
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	logger.Info("serving", "app", appName, "version", appVersion, "addr", node.Addr())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return node.Stop(shutdownCtx)
}
