package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"notification_delivery/internal/auth"
	"notification_delivery/internal/config"
	"notification_delivery/internal/handlers"
	"notification_delivery/internal/metrics"
	"notification_delivery/internal/rabbitmq"
	"notification_delivery/internal/repository"
	"notification_delivery/internal/service"
	"notification_delivery/internal/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.Default()

	// ---------- config ----------
	cfg := config.Load()

	// ---------- metrics ----------
	metrics.Register()

	// ---------- db ----------
	pool, err := repository.NewPool(cfg.DBDSN)
	if err != nil {
		log.Fatal("db:", err)
	}
	defer pool.Close()

	repo := repository.NewNotificationRepository(pool, cfg.FanoutMaxRetries)

	metrics.StartDBCollectors(ctx, repo, 15*time.Second, logger)

	// ---------- tickets (redis) ----------
	ticketStore := auth.NewRedisTicketStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer ticketStore.Close()

	tickets, err := auth.NewTicketService(cfg.TicketSecret, cfg.TicketTTL, ticketStore, logger)
	if err != nil {
		log.Fatal("tickets:", err)
	}

	// ---------- broker ----------
	conn := rabbitmq.NewConnection(rabbitmq.ConnectionConfig{
		URL:       cfg.RabbitURL,
		BaseDelay: cfg.ReconnectBaseDelay,
		MaxDelay:  cfg.ReconnectMaxDelay,
	}, logger)

	producer := rabbitmq.NewProducer(conn, rabbitmq.ProducerConfig{
		Exchange:      cfg.RabbitExchange,
		RetryCount:    cfg.PublishRetryCount,
		RetryInterval: cfg.PublishRetryInterval,
		WaitTimeout:   cfg.PublishWaitTimeout,
	}, logger)

	// ---------- delivery pipeline ----------
	dedup := service.NewDedup(service.DedupConfig{
		NotificationLifespan: cfg.NotificationLifespan,
		GCInterval:           cfg.GCInterval,
	}, logger)
	dedup.Start(ctx)

	confirms := service.NewConfirmations(service.ConfirmationsConfig{
		RetryMaxCount:   cfg.RetryMaxCount,
		RetryInterval:   cfg.RetryInterval,
		RequeueOnGiveUp: cfg.RequeueOnGiveUp,
	}, service.ConfirmationCallbacks{
		// отдельный ctx: подтверждения доезжают до БД и во время shutdown
		OnDelivered: func(id uuid.UUID) {
			if err := repo.MarkDelivered(context.Background(), id); err != nil {
				logger.Printf("mark delivered %s: %v", id, err)
			}
		},
		OnGiveUp: func(id uuid.UUID) {
			if err := repo.MarkUndeliverable(context.Background(), id, "client never confirmed delivery"); err != nil {
				logger.Printf("mark undeliverable %s: %v", id, err)
			}
		},
	}, logger)

	hub := ws.NewHub(logger)

	dispatcher := service.NewDispatcher(dedup, confirms, hub, repo, service.DispatcherConfig{
		DedupScope: cfg.DedupScope,
	}, logger)

	consumer, err := rabbitmq.NewConsumer(conn, rabbitmq.ConsumerConfig{
		Exchange: cfg.RabbitExchange,
		Queue:    cfg.RabbitQueue,
	}, dispatcher, logger)
	if err != nil {
		log.Fatal("consumer:", err)
	}

	conn.Connect(ctx)
	defer conn.Disconnect()

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Printf("consumer stopped: %v", err)
		}
	}()

	// ---------- fanout ----------
	fanout := service.NewFanout(repo, producer, service.FanoutConfig{
		PollInterval:  cfg.FanoutPollInterval,
		BatchSize:     cfg.FanoutBatchSize,
		RetentionDays: cfg.RetentionDays,
		MaxRetries:    cfg.FanoutMaxRetries,
		ReclaimAfter:  cfg.FanoutReclaimAfter,
	}, logger)
	fanout.Start(ctx)

	// ---------- handlers ----------
	nh := handlers.NewNotificationHandler(repo)
	wh := handlers.NewWSHandler(tickets, hub, confirms, ws.SessionConfig{
		PingInterval: cfg.PingInterval,
	}, logger)

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	handlers.RegisterRoutes(r, nh, wh)
	r.Handle("/metrics", metrics.Handler())

	// ---------- start server ----------
	addr := ":" + cfg.HTTPPort
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Println("server starting on", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	producer.Close()
}
