package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/broadcast"
	"github.com/ariefcatur/bizhub-orders/internal/config"
	"github.com/ariefcatur/bizhub-orders/internal/httpx"
	kafkax "github.com/ariefcatur/bizhub-orders/internal/kafka"
	"github.com/ariefcatur/bizhub-orders/internal/ledger"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/memstore"
	"github.com/ariefcatur/bizhub-orders/internal/metrics"
	"github.com/ariefcatur/bizhub-orders/internal/mpesa"
	"github.com/ariefcatur/bizhub-orders/internal/notify"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/payments"
	"github.com/ariefcatur/bizhub-orders/internal/postgres"
	"github.com/ariefcatur/bizhub-orders/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: "order-api"}).Error(context.Background(), "config", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		ServiceName: cfg.HTTP.ServiceName,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	fatal := func(msg string, err error) {
		log.Error(context.Background(), msg, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		store       orders.Store
		broadcaster orders.Broadcaster
		dispatcher  orders.Dispatcher
		status      httpx.StatusCache
		health      = map[string]httpx.HealthCheck{}
		producers   []*kafkax.Producer
	)

	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		log.Warn(ctx, "running with in-memory store; data is lost on exit")
		store = memstore.New()
		broadcaster = broadcast.NewLog(log)
		dispatcher = notify.NewDirect(notify.Router{
			Email: notify.NewLogSender(orders.ChannelEmail, log),
			SMS:   notify.NewLogSender(orders.ChannelSMS, log),
		}, m, log)

	default:
		// DB
		db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			fatal("db connect", err)
		}
		defer db.Close()
		store = postgres.NewStore(db)
		health["postgres"] = db.Ping

		// Redis
		rdb, err := redisx.New(ctx, redisx.Options{
			Addr:        cfg.Redis.Addr,
			DialTimeout: cfg.Redis.DialTimeout,
			StatusTTL:   cfg.Redis.StatusTTL,
			DedupTTL:    cfg.Redis.DedupTTL,
		})
		if err != nil {
			fatal("redis connect", err)
		}
		defer rdb.Close()
		status = rdb
		health["redis"] = rdb.Ping

		// Kafka producers
		events := kafkax.NewProducer(cfg.Kafka.Brokers, orders.TopicOrders, cfg.Kafka.Buffer, log)
		events.Start(ctx)
		notifications := kafkax.NewProducer(cfg.Kafka.Brokers, orders.TopicNotifications, cfg.Kafka.Buffer, log)
		notifications.Start(ctx)
		producers = append(producers, events, notifications)

		broadcaster = broadcast.Fanout{
			broadcast.NewKafka(events, log),
			broadcast.NewRedis(rdb, cfg.Redis.BroadcastTopic, log),
			broadcast.NewStatusCache(rdb, log),
		}
		dispatcher = notify.NewKafka(notifications, cfg.HTTP.ServiceName, m, log)
	}

	gateway := mpesa.New(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
	})

	workflow, err := orders.NewWorkflow(orders.WorkflowParams{
		Store:       store,
		Ledger:      ledger.New(cfg.Ledger.LowStockThreshold),
		Dispatcher:  dispatcher,
		Broadcaster: broadcaster,
		Metrics:     m,
		Logger:      log,
		ServiceName: cfg.HTTP.ServiceName,
	})
	if err != nil {
		fatal("workflow", err)
	}
	paymentSvc, err := payments.NewService(payments.ServiceParams{
		Store:       store,
		Gateway:     gateway,
		Dispatcher:  dispatcher,
		Broadcaster: broadcaster,
		Metrics:     m,
		Logger:      log,
		ServiceName: cfg.HTTP.ServiceName,
	})
	if err != nil {
		fatal("payments", err)
	}

	router := httpx.NewRouter(httpx.RouterParams{
		Orders:         workflow,
		Payments:       paymentSvc,
		Status:         status,
		Gatherer:       reg,
		Health:         health,
		Logger:         log,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info(log.WithField(ctx, "addr", cfg.HTTP.Addr), "HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info(ctx, "shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error(ctx2, "http shutdown", err)
	}
	for _, p := range producers {
		p.Close() // flush queued events before the writer closes
	}
	cancel()
}
