// Command identity serves registration and login and relays UserCreated
// events from the outbox to the broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"signupflow/internal/events/publisher"
	"signupflow/internal/identity/handler"
	identitymetrics "signupflow/internal/identity/metrics"
	"signupflow/internal/identity/service"
	usermemory "signupflow/internal/identity/store/memory"
	userpostgres "signupflow/internal/identity/store/postgres"
	"signupflow/internal/identity/token"
	"signupflow/internal/outbox"
	outboxmemory "signupflow/internal/outbox/store/memory"
	outboxpostgres "signupflow/internal/outbox/store/postgres"
	"signupflow/internal/platform/config"
	"signupflow/internal/platform/httpserver"
	"signupflow/internal/platform/kafka"
	"signupflow/internal/platform/kafka/producer"
	"signupflow/internal/platform/logger"
	"signupflow/internal/platform/metrics"
	"signupflow/internal/platform/postgres"
	"signupflow/internal/ratelimit"
	"signupflow/pkg/events"
	"signupflow/pkg/platform/middleware/request"
	"signupflow/pkg/platform/middleware/requesttime"
	"signupflow/pkg/platform/tx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadIdentity()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging, "identity")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := kafka.NewClient(cfg.Kafka, kgo.RequiredAcks(kgo.AllISRAcks()))
	if err != nil {
		return err
	}
	defer client.Close()
	if cfg.Kafka.CreateTopics {
		if err := kafka.EnsureTopics(ctx, client, cfg.Kafka, events.ExchangeUserEvents); err != nil {
			return err
		}
	}
	sender := producer.New(client)

	var (
		users       service.UserStore
		outboxStore outbox.Store
		txRunner    service.TxRunner
	)
	switch cfg.Store {
	case config.DriverPostgres:
		db, err := postgres.OpenDB(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.ApplySchema(ctx, db, userpostgres.Schema, outboxpostgres.Schema); err != nil {
			return err
		}
		users = userpostgres.New(db)
		outboxStore = outboxpostgres.New(db)
		txRunner = tx.NewRunner(db)
	default:
		log.Warn("using in-memory stores; accounts and pending events are lost on restart")
		users = usermemory.New()
		outboxStore = outboxmemory.New()
	}

	tokens := token.New(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.TTL)
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(identitymetrics.New(reg)),
	}
	if cfg.Outbox.Enabled {
		opts = append(opts, service.WithOutbox(txRunner, outboxStore))
	} else {
		opts = append(opts, service.WithPublisher(publisher.New(sender,
			publisher.WithLogger(log),
			publisher.WithMetrics(publisher.NewMetrics(reg)),
		)))
	}
	svc := service.New(users, tokens, opts...)

	var handlerOpts []handler.Option
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.NewStore(cfg.RateLimit.Requests, cfg.RateLimit.Window), log,
			ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))
		handlerOpts = append(handlerOpts, handler.WithRateLimit(limiter.Middleware))
	}

	router := newRouter(log, reg)
	handler.New(svc, tokens, log, handlerOpts...).Register(router)

	g, ctx := errgroup.WithContext(ctx)
	if limiter != nil {
		g.Go(func() error { return limiter.RunSweeper(ctx, cfg.RateLimit.Window) })
	}
	g.Go(func() error {
		return httpserver.Run(ctx, httpserver.New(cfg.Addr, router), log)
	})
	if cfg.Outbox.Enabled {
		relay := outbox.NewRelay(outboxStore, sender, outbox.Config{
			PollInterval:  cfg.Outbox.PollInterval,
			BatchSize:     cfg.Outbox.BatchSize,
			LeaseTTL:      cfg.Outbox.LeaseTTL,
			MaxAttempts:   cfg.Outbox.MaxAttempts,
			RetryBackoff:  cfg.Outbox.RetryBackoff,
			RetryMaxDelay: cfg.Outbox.RetryMaxDelay,
		}, log, outbox.WithMetrics(outbox.NewMetrics(reg)))
		g.Go(func() error { return relay.Run(ctx) })
	}

	log.Info("identity service started",
		"addr", cfg.Addr,
		"store", cfg.Store,
		"outbox", cfg.Outbox.Enabled,
	)
	err = g.Wait()
	log.Info("identity service stopped")
	return err
}

func newRouter(log *slog.Logger, reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Logger(log))
	r.Use(requesttime.Middleware)
	r.Use(metrics.NewHTTP(reg, "identity").Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(reg))
	return r
}
