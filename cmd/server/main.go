package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/docshield/config"
	"github.com/isdmx/docshield/conversion"
	"github.com/isdmx/docshield/logger"
	"github.com/isdmx/docshield/mcpserver"
	"github.com/isdmx/docshield/sandbox"
)

// warmUpTimeout bounds the startup availability check and image install.
const warmUpTimeout = 10 * time.Minute

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	transport := pflag.StringP("transport", "t", "", "override server.transport (stdio or http)")
	pflag.Parse()

	loadConfig := func() (*config.Config, error) {
		if *transport != "" {
			// Environment overrides are applied by viper during Load.
			if err := os.Setenv("DOCSHIELD_SERVER_TRANSPORT", *transport); err != nil {
				return nil, fmt.Errorf("failed to apply transport flag: %w", err)
			}
		}
		return config.Load(*configPath)
	}

	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			loadConfig,

			// Logger with configuration
			logger.NewFromConfig,

			// Isolation provider based on config
			sandbox.NewProvider,

			// Job orchestration
			func(log *zap.Logger, cfg *config.Config, provider sandbox.Provider) *conversion.Converter {
				return conversion.NewConverter(log, cfg, provider)
			},

			// MCP Server
			mcpserver.New,
		),

		// Prepare the sandbox image ahead of the first request
		fx.Invoke(func(lc fx.Lifecycle, log *zap.Logger, provider sandbox.Provider) {
			ctx, cancel := context.WithTimeout(context.Background(), warmUpTimeout)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go warmUp(ctx, log, provider)
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
		}),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// warmUp checks the backend and installs the image. Failures are logged and
// reported again per job; they do not stop the server.
func warmUp(ctx context.Context, log *zap.Logger, provider sandbox.Provider) {
	log = log.With(zap.String("backend", string(provider.Backend())))

	if err := provider.IsAvailable(ctx); err != nil {
		log.Warn("sandbox backend is not available", zap.Error(err))
		return
	}
	if err := provider.Install(ctx); err != nil {
		log.Warn("sandbox image installation failed", zap.Error(err))
		return
	}
	log.Info("sandbox backend ready")
}
