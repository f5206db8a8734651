package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/analysis"
	"callaudit/pkg/compliance"
	"callaudit/pkg/config"
	"callaudit/pkg/database"
	"callaudit/pkg/errors"
	"callaudit/pkg/messaging"
	"callaudit/pkg/metrics"
	"callaudit/pkg/patterns"
	"callaudit/pkg/pii"
	"callaudit/pkg/telemetry/tracing"
	"callaudit/pkg/transcript"
	"callaudit/pkg/util"
)

// components is everything one command run needs, built from configuration.
type components struct {
	cfg        *config.Config
	analyzer   *analysis.Analyzer
	pipeline   *analysis.Pipeline
	db         *database.SQLiteDatabase
	repo       *database.Repository
	amqpClient *messaging.AMQPClient
	publisher  *messaging.ReportPublisher
	shutdown   *util.GracefulShutdown
}

// loadConfig loads configuration and applies its logging settings to the
// process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(logger)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildComponents(cfg *config.Config) (*components, error) {
	c := &components{
		cfg:      cfg,
		shutdown: util.NewGracefulShutdown(logger, 0),
	}

	metrics.StartMetrics(logger, cfg.HTTP.EnableMetrics)

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize tracing")
		}
		c.shutdown.Register("tracing", util.StageTelemetry, shutdownTracing)
	}

	library, err := patterns.LoadLibrary(cfg.Patterns.Sources(), logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pattern library")
	}

	opts := []analysis.Option{analysis.WithTimeline(cfg.Analysis.IncludeTimeline)}
	if cfg.Analysis.RedactEvidence {
		opts = append(opts, analysis.WithRedactor(pii.NewRedactor(logger, pii.DefaultConfig())))
	}
	c.analyzer = analysis.NewAnalyzer(logger, library, opts...)

	var sinks []analysis.Sink

	if cfg.Storage.Enabled {
		c.db, err = database.NewSQLiteDatabase(database.Config{Path: cfg.Storage.Path}, logger)
		if err != nil {
			return nil, err
		}
		c.repo = database.NewRepository(c.db, logger)
		c.shutdown.RegisterCloser("database", util.StageStorage, c.db)
		sinks = append(sinks, c.repo)
	}

	if cfg.Messaging.Enabled() {
		c.amqpClient = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:               cfg.Messaging.AMQPUrl,
			QueueName:         cfg.Messaging.QueueName,
			ExchangeName:      cfg.Messaging.ExchangeName,
			RoutingKey:        cfg.Messaging.RoutingKey,
			Durable:           cfg.Messaging.Durable,
			ConnectionTimeout: cfg.Messaging.ConnectionTimeout,
			PublishTimeout:    cfg.Messaging.PublishTimeout,
		})
		if err := c.amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unreachable; reports will be queued for retry")
		}
		c.shutdown.RegisterFunc("amqp", util.StageBroker, c.amqpClient.Disconnect)

		// Pending reports outlive a restart when the report database is on.
		var pending messaging.MessageStorage
		if c.db != nil {
			pending = database.NewPendingStore(c.db, logger)
		}
		c.publisher = messaging.NewReportPublisher(logger, c.amqpClient, pending, nil)
		c.publisher.Start()
		c.shutdown.RegisterFunc("report_publisher", util.StageDelivery, c.publisher.Stop)
		sinks = append(sinks, c.publisher)
	}

	if cfg.Audit.Enabled {
		chain, err := compliance.OpenAuditChain(cfg.Audit.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open audit chain")
		}
		sinks = append(sinks, analysis.NewAuditSink(chain))
	}

	sinkNames := make([]string, 0, len(sinks))
	for _, s := range sinks {
		sinkNames = append(sinkNames, s.Name())
	}
	logger.WithFields(logrus.Fields{
		"profanity_rules":    library.Profanity.Len(),
		"verification_rules": library.Verification.Len(),
		"disclosure_rules":   library.Disclosure.Len(),
		"sinks":              sinkNames,
		"workers":            cfg.Analysis.Workers,
	}).Info("Analysis pipeline ready")

	c.pipeline = analysis.NewPipeline(logger, transcript.NewLoader(logger), c.analyzer, cfg.Analysis.Workers, sinks...)
	return c, nil
}

// close releases every registered resource.
func (c *components) close() {
	if err := c.shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Shutdown completed with errors")
	}
}
