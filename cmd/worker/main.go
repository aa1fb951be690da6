package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"campus/internal/config"
	"campus/internal/mailer"
	"campus/internal/metrics"
	"campus/internal/notify"
	"campus/internal/queue"
	"campus/internal/store"
	"campus/internal/users"
)

// Worker consumes published notices and fans each one out into
// per-recipient notification rows, emailing recipients along the way.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "campus:notices")
	}

	ntf := notify.NewService(notify.NewRepository(db.Client), users.NewRepository(db.Client))
	mail := mailer.New(cfg.SendGridKey, cfg.MailFromName, cfg.MailFrom, cfg.MailSkip)
	if mail.Skip {
		log.Println("mail delivery disabled (MAIL_SKIP or no SENDGRID_KEY)")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for notices...")
	for msg := range messages {
		if msg.Type != "notice" {
			continue
		}

		id := string(msg.Body)
		recipients, notice, err := ntf.FanOut(ctx, id)
		if err != nil {
			log.Printf("fan-out failed for notice %s: %v", id, err)
			continue
		}
		metrics.NotificationsFanned.Add(float64(len(recipients)))

		sent := 0
		for _, rcpt := range recipients {
			if err := mail.Send(rcpt.Email, notice.Title, notice.Body); err != nil {
				log.Printf("mail to %s failed: %v", rcpt.ID, err)
				continue
			}
			sent++
		}
		log.Printf("notice %s fanned out to %d recipients (%d mailed)", id, len(recipients), sent)
	}

	log.Println("worker stopped")
}
