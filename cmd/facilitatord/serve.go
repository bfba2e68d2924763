package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/XavierOP877/x402-avalanche--sub001/config"
	xhttp "github.com/XavierOP877/x402-avalanche--sub001/http"
	"github.com/XavierOP877/x402-avalanche--sub001/mcp"
	"github.com/XavierOP877/x402-avalanche--sub001/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the settlement watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = cfg.Logging.Logger()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	opts := []node.Option{node.WithLogger(logger)}
	if cfg.Upstream.URL != "" {
		fc := &xhttp.FacilitatorConfig{
			URL:     cfg.Upstream.URL,
			Timeout: cfg.UpstreamTimeout(),
		}
		if cfg.Upstream.APIKey != "" {
			fc.AuthProvider = xhttp.NewStaticAuthProvider(cfg.Upstream.APIKey)
		}
		opts = append(opts, node.WithUpstream(xhttp.NewHTTPFacilitatorClient(fc)))
	}

	n, err := node.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer n.Close()

	serverOpts := []xhttp.Option{
		xhttp.WithLogger(logger.Named("http")),
		xhttp.WithTimeouts(cfg.ReadTimeout(), cfg.WriteTimeout(), cfg.ShutdownTimeout()),
		xhttp.WithSettleWaitTimeout(cfg.SettleWaitTimeout()),
	}
	if cfg.MCP.Enabled {
		tools := mcp.NewServer(n.Explorer(), n.Registry(),
			mcp.WithLogger(logger.Named("mcp")),
			mcp.WithVersion(version),
		)
		serverOpts = append(serverOpts, xhttp.WithMCPHandler(tools.Handler()))
	}
	srv := xhttp.NewServer(n, serverOpts...)

	logger.Info("facilitator starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("networks", n.Networks()),
		zap.Bool("proxy", n.Proxied()),
		zap.Bool("mcp", cfg.MCP.Enabled),
		zap.String("storage", cfg.Storage.Driver),
	)

	err = n.Run(ctx, func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	})
	if err != nil {
		logger.Error("facilitator stopped", zap.Error(err))
		return err
	}
	logger.Info("facilitator stopped")
	return nil
}
