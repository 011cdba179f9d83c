package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/auth"
	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/internal/generator"
	"github.com/kebapi/kebapi/internal/logging"
	"github.com/kebapi/kebapi/internal/metrics"
	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/internal/server"
	"github.com/kebapi/kebapi/internal/service"
	"github.com/kebapi/kebapi/internal/store"
)

const defaultConfigContent = `llm:
  provider: "gemini"        # gemini | openai
  api_key: ""
  model: "gemini-2.5-flash"
  max_tokens: 4096
  temperature: 0.7
  timeout_seconds: 120
  max_retries: 0            # retries on 429/5xx/transport errors

store:
  path: "~/.kebapi/kebapi.db"

server:
  host: "127.0.0.1"
  port: 3000
  public_url: "http://localhost:3000"

auth:
  jwt_secret: ""
  issuer: ""

quota:
  max_endpoints_per_user: 10
  min_prompt_length: 10

sanitize:
  headers:
    - Authorization
    - Cookie
    - Set-Cookie
    - X-Api-Key
    - X-Auth-Token
  body_fields:
    - password
    - secret
    - token
    - api_key
    - access_token
    - refresh_token
    - credential
  replacement: "***REDACTED***"

log:
  level: "info"
  encoding: "console"
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	cfgPath string
	debug   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "kebapi",
		Short:         "Generate REST endpoints from prompts and serve them",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path (default ~/.kebapi/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newGenerateCmd(opts))
	root.AddCommand(newListCmd(opts))
	root.AddCommand(newShowCmd(opts))
	root.AddCommand(newStatsCmd(opts))
	root.AddCommand(newDeleteCmd(opts))
	root.AddCommand(newExportOpenAPICmd(opts))
	root.AddCommand(newTokenCmd(opts))

	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.kebapi directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir, err := config.DefaultDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			dbPath := filepath.Join(baseDir, "kebapi.db")
			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "please set llm.api_key and auth.jwt_secret in", cfgFile)
			return nil
		},
	}
}

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.SQLiteStore
	metrics  *metrics.Recorder
	registry *registry.Registry
	svc      *service.Service
}

type requirement int

const (
	needStore requirement = iota
	needLLM
	needServe
)

func openApp(opts *rootOptions, req requirement) (*app, error) {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
	switch req {
	case needServe:
		err = cfg.ValidateServe()
	case needLLM:
		err = cfg.ValidateGenerate()
	default:
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rec := metrics.New()
	reg := registry.New(st,
		registry.WithLogger(logger.Named("registry")),
		registry.WithMetrics(rec),
		registry.WithSanitize(cfg.Sanitize),
	)
	var completer generator.Completer = generator.CompleterFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("llm.api_key is not configured")
	})
	if req != needStore {
		completer, err = generator.NewCompleter(cfg.LLM, logger.Named("llm"))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	svc := service.New(service.Deps{
		Store:     st,
		Registry:  reg,
		Completer: completer,
		Quota:     cfg.Quota,
		Metrics:   rec,
		Logger:    logger.Named("service"),
	})
	return &app{cfg: cfg, logger: logger, store: st, metrics: rec, registry: reg, svc: svc}, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	_ = a.store.Close()
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start HTTP service", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(opts, needServe)
		if err != nil {
			return err
		}
		defer a.Close()
		if cmd.Flags().Changed("host") {
			a.cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			a.cfg.Server.Port = port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logging.With(ctx, a.logger)

		n, err := a.registry.LoadAll(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("endpoints mounted", zap.Int("endpoints", n))

		srv, err := server.New(server.Deps{
			Config:   a.cfg,
			Service:  a.svc,
			Registry: a.registry,
			Store:    a.store,
			Verifier: auth.NewJWTVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer),
			Metrics:  a.metrics,
			Logger:   a.logger.Named("http"),
		})
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx)
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}
