package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrattend/internal/checkin"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/stats"
	"qrattend/internal/store"
)

// Worker audits attendance statistics against the check-in ledger. The api
// publishes an event per successful check-in; for each one the worker
// recounts the pair's present rows and rewrites the stats row when the
// counters have drifted (a crash between the ledger insert and the stats
// upsert leaves stats one behind).
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
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	ledger := checkin.NewPostgresLedger(db.Client)
	agg := stats.NewPostgresAggregator(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "checkin" {
			continue
		}

		evt, err := queue.DecodeCheckIn(msg)
		if err != nil {
			log.Printf("bad checkin message: %v", err)
			continue
		}

		present, err := ledger.CountPresent(ctx, evt.StudentID, evt.CourseID)
		if err != nil {
			log.Printf("count for %s/%s failed: %v", evt.StudentID, evt.CourseID, err)
			continue
		}

		st, err := agg.Get(ctx, evt.StudentID, evt.CourseID)
		if err != nil || st.AttendedSessions != present {
			repaired, rerr := agg.Recompute(ctx, evt.StudentID, evt.CourseID, present)
			if rerr != nil {
				log.Printf("recompute for %s/%s failed: %v", evt.StudentID, evt.CourseID, rerr)
				continue
			}
			log.Printf("stats repaired for %s/%s: attended=%d percentage=%.2f",
				evt.StudentID, evt.CourseID, repaired.AttendedSessions, repaired.Percentage)
		}

		time.Sleep(10 * time.Millisecond)
	}

	log.Println("worker stopped")
}
