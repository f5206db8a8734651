package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callaudit/pkg/auth"
	"callaudit/pkg/config"
	"callaudit/pkg/errors"
	httpserver "callaudit/pkg/http"
	"callaudit/pkg/ratelimit"
	"callaudit/pkg/util"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "HTTP listen port (overrides HTTP_PORT)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}
	if !cfg.HTTP.Enabled {
		return errors.Wrap(errors.ErrFailedPrecondition, "HTTP server is disabled by configuration")
	}

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	reloader, err := config.NewRuleReloader(cfg.Patterns, logger)
	if err != nil {
		return err
	}
	reloader.AddCallback(c.analyzer.SetLibrary)
	if cfg.Patterns.HotReload {
		if err := reloader.Start(); err != nil {
			logger.WithError(err).Warn("Rule hot-reload could not start; rules reload only on request")
		} else {
			c.shutdown.Register("rule_reloader", util.StageRules, func(context.Context) error { return reloader.Stop() })
		}
	}

	server := httpserver.NewServer(logger, &httpserver.Config{
		Port:           cfg.HTTP.Port,
		EnableMetrics:  cfg.HTTP.EnableMetrics,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		TLSEnabled:     cfg.HTTP.TLSEnabled,
		TLSCertFile:    cfg.HTTP.TLSCertFile,
		TLSKeyFile:     cfg.HTTP.TLSKeyFile,
		RateLimit:      rateLimitConfig(cfg.HTTP),
	})
	server.SetRuleReloader(reloader)

	var store httpserver.ReportStore
	if c.repo != nil {
		store = c.repo
		server.SetDatabase(c.db)
	}
	if c.amqpClient != nil {
		server.SetBroker(c.amqpClient)
	}
	httpserver.NewAnalysisHandler(logger, c.pipeline, store, reloader, cfg.HTTP.MaxUploadBytes).RegisterHandlers(server)

	if cfg.HTTP.AuthEnabled {
		authenticator := auth.NewAuthenticator(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer, cfg.HTTP.TokenExpiry, logger)
		if err := authenticator.AddAPIKeys(cfg.HTTP.APIKeys); err != nil {
			return errors.Wrap(err, "invalid HTTP_API_KEYS")
		}
		server.EnableAuth(authenticator, httpserver.DefaultAuthConfig())
	}

	server.Start()
	c.shutdown.Register("http", util.StageIntake, server.Shutdown)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	return nil
}

func rateLimitConfig(cfg config.HTTPConfig) *ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	rl.Enabled = cfg.RateLimitEnabled
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	rl.BlockDuration = cfg.RateLimitBlockDuration
	rl.ExemptIPs = cfg.RateLimitExemptIPs
	return rl
}
