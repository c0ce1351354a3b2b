package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/abcotronics/docreply/internal/api"
	"github.com/abcotronics/docreply/internal/auth"
	"github.com/abcotronics/docreply/internal/cache"
	"github.com/abcotronics/docreply/internal/config"
	"github.com/abcotronics/docreply/internal/database"
	"github.com/abcotronics/docreply/internal/delivery"
	"github.com/abcotronics/docreply/internal/email/inbound/attachments"
	"github.com/abcotronics/docreply/internal/email/inbound/connector"
	"github.com/abcotronics/docreply/internal/email/inbound/postmaster"
	"github.com/abcotronics/docreply/internal/email/inbound/threading"
	"github.com/abcotronics/docreply/internal/email/outbound"
	"github.com/abcotronics/docreply/internal/middleware"
	"github.com/abcotronics/docreply/internal/repository"
	"github.com/abcotronics/docreply/internal/resend"
	"github.com/abcotronics/docreply/internal/services/scheduler"
	"github.com/abcotronics/docreply/internal/storage"
	"github.com/abcotronics/docreply/internal/webhooks"
)

// app holds the wired components shared by serve and reprocess.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	db        *sqlx.DB
	redis     *redis.Client
	processor *postmaster.ReplyProcessor
	scheduler *scheduler.Service
	server    *api.Server
}

func loadConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	warnings, err := config.ValidateSecrets(cfg)
	for _, w := range warnings {
		logger.Printf("config warning:%s", w)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger, reg prometheus.Registerer) (*app, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	comments := repository.NewCommentRepository(db)
	sendLog := repository.NewDeliveryLogRepository(db)
	records := repository.NewOutboundMessageRepository(db)

	stats := postmaster.NewStats(reg)
	opts := []postmaster.ReplyProcessorOption{
		postmaster.WithStats(stats),
		postmaster.WithBodyLimit(cfg.Inbound.CommentBodyMaxChars),
		postmaster.WithLogger(logger),
	}

	if cfg.Redis.Enabled {
		client, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Printf("Warning: redis unavailable, replay guard disabled: %v", err)
		} else {
			a.redis = client
			opts = append(opts, postmaster.WithReplayGuard(cache.NewReplayGuard(client, cfg.Redis.KeyPrefix, cfg.Redis.ReplayTTL)))
		}
	}

	store, err := storage.NewLocalStore(cfg.Storage.Root,
		storage.WithMaxBytes(cfg.Inbound.MaxAttachmentBytes),
		storage.WithPublicPrefix(cfg.Storage.PublicPrefix))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Without an API client only inline (mailbox) attachments can be stored.
	var provider attachments.API
	if cfg.Resend.HasResendKey() {
		client, err := resend.NewClient(cfg.Resend.APIKey,
			resend.WithBaseURL(cfg.Resend.BaseURL),
			resend.WithTrustedHosts(cfg.Resend.TrustedDownloadHosts...),
			resend.WithHTTPClient(&http.Client{Timeout: cfg.Resend.Timeout}))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("resend client: %w", err)
		}
		provider = client
		opts = append(opts,
			postmaster.WithEmailFetcher(client),
			postmaster.WithResolver(threading.NewResolver(client, threading.WithResolverLogger(logger))))
	}
	collector := attachments.NewCollector(provider, store,
		attachments.WithFolder(cfg.Storage.CommentFolder),
		attachments.WithLimit(cfg.Inbound.MaxAttachmentBytes),
		attachments.WithRetryDelay(cfg.Inbound.AttachmentRetry),
		attachments.WithCollectorLogger(logger))
	opts = append(opts, postmaster.WithCollector(collector))

	matcher := threading.DefaultMatchChain(records, cfg.Inbound.RecentScanLimit, cfg.Inbound.MessageIDPrefix)
	a.processor = postmaster.NewReplyProcessor(comments, matcher, opts...)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithRegisterer(reg),
		scheduler.WithPollSchedule(cfg.Mailbox.Schedule),
	}
	if cfg.Mailbox.Enabled {
		mailbox := connector.MailboxFromConfig(cfg.Mailbox)
		if err := mailbox.Validate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("mailbox: %w", err)
		}
		handler := postmaster.Service{
			Processor: a.processor,
			Filters:   []postmaster.Filter{postmaster.AutoReplyFilter{}},
			Stats:     stats,
			Logger:    logger,
		}
		schedOpts = append(schedOpts,
			scheduler.WithConnectorRegistry(connector.NewRegistry(
				connector.NewIMAPFetcher(connector.WithIMAPLogger(logger), connector.WithIMAPDialTimeout(cfg.Mailbox.Timeout)),
				connector.NewPOP3Fetcher(connector.WithPOP3Logger(logger), connector.WithPOP3DialTimeout(cfg.Mailbox.Timeout)),
			)),
			scheduler.WithMailbox(mailbox, handler))
	}
	a.scheduler = scheduler.NewService(schedOpts...)

	a.server = &api.Server{
		Replies:          a.processor,
		Delivery:         delivery.NewUpdater(sendLog, delivery.WithUpdaterLogger(logger), delivery.WithRegisterer(reg)),
		Comments:         comments,
		Outbound:         records,
		Jobs:             a.scheduler,
		DB:               db,
		Stats:            stats,
		ReplyVerifier:    webhooks.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.ReplyTolerance()),
		DeliveryVerifier: webhooks.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.DeliveryTolerance()),
		Auth:             middleware.NewAuthMiddleware(auth.NewJWTManager(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.AccessTokenTTL)),
		OperatorSecrets:  cfg.SharedSecrets(),
		OperatorLimiter:  auth.NewFailureLimiter(5, 5*time.Minute, 2*time.Second, time.Minute),
		UploadsDir:       store.Root(),
		UploadsPrefix:    store.PublicPrefix(),
		Logger:           logger,
	}
	if cfg.Email.Enabled {
		transport := outbound.NewSMTPSender(cfg.Email)
		transport.Logger = logger
		a.server.Sender = outbound.NewService(transport,
			outbound.WithLogStore(sendLog),
			outbound.WithRoutingStore(records),
			outbound.WithCommentStore(comments),
			outbound.WithFrom(cfg.Email.From, cfg.Email.FromName),
			outbound.WithInboundAddress(cfg.Email.InboundEmail),
			outbound.WithMessageIDPrefix(cfg.Inbound.MessageIDPrefix),
			outbound.WithServiceLogger(logger))
	}
	return a, nil
}

// Close releases the database and Redis connections.
func (a *app) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Printf("close: %v", err)
	}
}
