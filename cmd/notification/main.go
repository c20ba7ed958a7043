// Command notification consumes UserCreated events, runs the email
// verification lifecycle and serves its HTTP API.
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
	"signupflow/internal/notifier"
	"signupflow/internal/platform/config"
	"signupflow/internal/platform/httpserver"
	"signupflow/internal/platform/kafka"
	"signupflow/internal/platform/kafka/consumer"
	"signupflow/internal/platform/kafka/producer"
	"signupflow/internal/platform/logger"
	"signupflow/internal/platform/metrics"
	"signupflow/internal/platform/postgres"
	"signupflow/internal/platform/redis"
	"signupflow/internal/ratelimit"
	"signupflow/internal/verification/attempts"
	"signupflow/internal/verification/codegen"
	"signupflow/internal/verification/handler"
	verificationmetrics "signupflow/internal/verification/metrics"
	"signupflow/internal/verification/service"
	"signupflow/internal/verification/store/memory"
	verificationpostgres "signupflow/internal/verification/store/postgres"
	verificationredis "signupflow/internal/verification/store/redis"
	"signupflow/internal/verification/worker"
	"signupflow/pkg/events"
	"signupflow/pkg/platform/middleware/request"
	"signupflow/pkg/platform/middleware/requesttime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadNotification()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging, "notification")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	mailer, err := notifier.FromConfig(cfg.Notifier, log)
	if err != nil {
		return err
	}

	deadLetter := events.DeadLetterTopic(events.ExchangeUserEvents)
	client, err := kafka.NewClient(cfg.Kafka, consumer.GroupOpts(cfg.Consumer.Group, events.ExchangeUserEvents)...)
	if err != nil {
		return err
	}
	defer client.Close()
	if cfg.Kafka.CreateTopics {
		err := kafka.EnsureTopics(ctx, client, cfg.Kafka,
			events.ExchangeUserEvents, deadLetter, events.ExchangeEmailEvents)
		if err != nil {
			return err
		}
	}
	// Outgoing events use their own client so produces never wait on a
	// blocked poll.
	pubClient, err := kafka.NewClient(cfg.Kafka, kgo.RequiredAcks(kgo.AllISRAcks()))
	if err != nil {
		return err
	}
	defer pubClient.Close()

	svc := service.New(store, codegen.New(), mailer,
		service.WithLogger(log),
		service.WithMetrics(verificationmetrics.New(reg)),
		service.WithCodeLength(cfg.CodeLength),
		service.WithNotifyTimeout(cfg.Notifier.Timeout),
		service.WithPublisher(publisher.New(producer.New(pubClient),
			publisher.WithLogger(log),
			publisher.WithMetrics(publisher.NewMetrics(reg)),
		)),
	)

	consumerOpts := []consumer.Option{consumer.WithMetrics(consumer.NewMetrics(reg))}
	var lister handler.AttemptLister
	if cfg.AttemptJournalPath != "" {
		journal, err := attempts.Open(cfg.AttemptJournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		consumerOpts = append(consumerOpts, consumer.WithAttemptRecorder(journal))
		lister = journal
	}

	queue := consumer.New(client, worker.New(svc, log).Router(), consumer.Config{
		MaxDeliveries:   cfg.Consumer.MaxDeliveries,
		DeadLetterTopic: deadLetter,
		HandlerTimeout:  cfg.Consumer.HandlerTimeout,
	}, log, consumerOpts...)

	var handlerOpts []handler.Option
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.NewStore(cfg.RateLimit.Requests, cfg.RateLimit.Window), log,
			ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))
		handlerOpts = append(handlerOpts, handler.WithRateLimit(limiter.Middleware))
	}

	router := newRouter(log, reg)
	handler.New(svc, lister, log, handlerOpts...).Register(router)

	g, ctx := errgroup.WithContext(ctx)
	if limiter != nil {
		g.Go(func() error { return limiter.RunSweeper(ctx, cfg.RateLimit.Window) })
	}
	g.Go(func() error {
		return httpserver.Run(ctx, httpserver.New(cfg.Addr, router), log)
	})
	g.Go(func() error { return queue.Run(ctx) })

	log.Info("notification service started",
		"addr", cfg.Addr,
		"store", cfg.Store,
		"notifier", cfg.Notifier.Driver,
		"group", cfg.Consumer.Group,
		"max_deliveries", cfg.Consumer.MaxDeliveries,
	)
	err = g.Wait()
	log.Info("notification service stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Notification, log *slog.Logger) (service.Store, func(), error) {
	switch cfg.Store {
	case config.DriverPostgres:
		pool, err := postgres.OpenPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		store := verificationpostgres.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case config.DriverRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return verificationredis.New(client.Client), func() { _ = client.Close() }, nil
	default:
		log.Warn("using in-memory verification store; records are lost on restart")
		return memory.New(), func() {}, nil
	}
}

func newRouter(log *slog.Logger, reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Logger(log))
	r.Use(requesttime.Middleware)
	r.Use(metrics.NewHTTP(reg, "notification").Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(reg))
	return r
}
