package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/bizhub-orders/internal/config"
	kafkax "github.com/ariefcatur/bizhub-orders/internal/kafka"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/notify"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: "notifier"}).Error(context.Background(), "config", err)
		os.Exit(1)
	}
	service := cfg.HTTP.ServiceName + "-notifier"
	log := logger.New(logger.Options{
		ServiceName: service,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb, err := redisx.New(ctx, redisx.Options{
		Addr:        cfg.Redis.Addr,
		DialTimeout: cfg.Redis.DialTimeout,
		DedupTTL:    cfg.Redis.DedupTTL,
	})
	if err != nil {
		log.Error(ctx, "redis connect", err)
		os.Exit(1)
	}
	defer rdb.Close()

	handler := notify.NewHandler(notify.HandlerParams{
		Router: notify.Router{
			Email: notify.NewEmailSender(notify.EmailConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			}),
			SMS: notify.NewLogSender(orders.ChannelSMS, log),
		},
		Dedup:   rdb,
		Service: service,
		Logger:  log,
	})

	// Consumer
	cons := kafkax.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.NotifierGroup, orders.TopicNotifications,
		kafkax.ConsumerOptions{Workers: cfg.Kafka.Workers}, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info(log.WithFields(ctx, map[string]any{
			"group":   cfg.Kafka.NotifierGroup,
			"topic":   orders.TopicNotifications,
			"workers": cfg.Kafka.Workers,
		}), "notifier consumer started")
		if err := cons.Start(ctx, handler.Handle); err != nil && ctx.Err() == nil {
			log.Error(ctx, "consumer exit", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}
	log.Info(ctx, "shutting down consumer...")
	cancel()
	<-done
}
