package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/backend"
	"inferd/internal/backend/llamacpp"
	"inferd/internal/backend/openai"
	"inferd/internal/backend/worker"
	"inferd/internal/config"
	"inferd/internal/events"
	"inferd/internal/httpapi"
	"inferd/internal/keys"
	"inferd/internal/manager"
	"inferd/internal/metering"
	"inferd/internal/secure"
	"inferd/internal/tools"
	"inferd/internal/wsserver"
)

const defaultTOS = "# TOS\n\nNo TOS for now.\n"

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load models and serve the websocket protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	enc := cfg.Encryption
	kp, err := secure.LoadOrGenerate(log, enc.PrivateKeyFile, enc.PublicKeyFile, enc.PrivateKeyPassword, enc.KeySize)
	if err != nil {
		return fmt.Errorf("server keys: %w", err)
	}
	tos, err := readTOS(cfg.TOSFile)
	if err != nil {
		return err
	}

	store, err := openKeyStore(ctx, cfg.APIKeys)
	if err != nil {
		return err
	}
	defer store.Close()
	limiter, closeLimiter, err := openLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()
	auth := &keys.Authenticator{Store: store, Limiter: limiter, DefaultRPM: cfg.RateLimit.RequestsPerMinute}

	backends, err := buildBackends(cfg.Services, log)
	if err != nil {
		return err
	}

	publishers := events.Multi{events.LogPublisher{Log: log}}
	if cfg.Events.NATSURL != "" {
		np, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, log)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable; lifecycle events stay local")
		} else {
			defer np.Close()
			publishers = append(publishers, np)
		}
	}

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Logger:    log,
		Services:  cfg.Services,
		Models:    cfg.Models,
		Filters:   cfg.Filters,
		Backends:  backends,
		Keys:      auth,
		Pricer:    metering.NewPricer(metering.NewBPETokenizer(log), metering.NewProbe()),
		Retriever: tools.NewRetriever(log, 20*time.Second),
		Publisher: publishers,
	})
	if err := mgr.LoadModels(ctx); err != nil {
		log.Error().Err(err).Msg("some models failed to load")
	}

	ws := wsserver.New(wsserver.Options{
		Logger:        log,
		Service:       mgr,
		Keys:          auth,
		KeyPair:       kp,
		TOS:           tos,
		TransferRate:  cfg.TransferRateBytes(),
		ClientVersion: cfg.ClientVersion,
		Encryption:    cfg.Encryption,
		Whitelist:     cfg.Whitelist,
		Blacklist:     cfg.Blacklist,
		BaseContext:   ctx,
	})
	httpapi.SetLogger(log)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, nil, nil)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr, ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("models", len(cfg.Models)).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := mgr.OffloadAll(sctx); err != nil {
		log.Warn().Err(err).Msg("offload models")
	}
	return nil
}

// buildBackends registers one backend instance per configured service.
func buildBackends(services map[string]config.ServiceConfig, log zerolog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for name, svc := range services {
		l := log.With().Str("service", name).Logger()
		var impl any
		switch svc.Backend {
		case "openai", "":
			impl = openai.New(l, nil)
		case "worker":
			impl = worker.New(l, 10*time.Second, 30*time.Second)
		case "llamacpp":
			if !llamacpp.Built {
				l.Warn().Msg("llama support not built; models of this service will fail to load")
			}
			impl = llamacpp.New(l)
		default:
			return nil, fmt.Errorf("service %q: unknown backend %q", name, svc.Backend)
		}
		if err := reg.Register(name, impl); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func openKeyStore(ctx context.Context, c config.APIKeys) (keys.Store, error) {
	switch c.Store {
	case "file", "":
		return keys.NewFileStore(c.Dir)
	case "sql":
		return keys.OpenSQLStore(ctx, c.Driver, c.DSN)
	}
	return nil, fmt.Errorf("api_keys: unknown store %q", c.Store)
}

func openLimiter(ctx context.Context, c config.RateLimit) (keys.Limiter, func(), error) {
	switch c.Backend {
	case "none":
		return keys.NoLimit{}, func() {}, nil
	case "memory", "":
		return keys.NewMemoryLimiter(), func() {}, nil
	case "redis":
		l, err := keys.NewRedisLimiter(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
	return nil, nil, fmt.Errorf("rate_limit: unknown backend %q", c.Backend)
}

// readTOS returns the terms of service, creating the file with a placeholder
// when it does not exist.
func readTOS(path string) (string, error) {
	if path == "" {
		return defaultTOS, nil
	}
	b, err := os.ReadFile(path)
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, []byte(defaultTOS), 0o644); err != nil {
		return "", err
	}
	return defaultTOS, nil
}
