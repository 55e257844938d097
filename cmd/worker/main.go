package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"classtrack/internal/archive"
	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/dynamo"
	"classtrack/internal/notify"
	"classtrack/internal/postgres"
	"classtrack/internal/report"
	"classtrack/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var recStore attendance.Store
	switch cfg.StoreBackend {
	case "dynamo":
		client, err := store.NewDynamoClient(ctx, cfg.AWSRegion)
		if err != nil {
			log.Fatalf("dynamo client: %v", err)
		}
		recStore = dynamo.NewStore(client, cfg.DynamoTable)
	default:
		db, err := store.NewDB(cfg.DatabaseURL)
		if db == nil {
			log.Fatalf("database open: %v", err)
		}
		if err != nil {
			log.Printf("warning: db not reachable: %v", err)
		}
		defer db.Close()
		recStore = postgres.NewStore(db.Client)
	}

	var bus notify.Bus
	if cfg.NotifyBackend == "memory" {
		log.Println("memory notify backend has no cross-process delivery, relay idle")
		bus = notify.NewInMemory(1)
	} else {
		bus = notify.NewRedisBus(redisClient.Client, cfg.NotifyKey)
	}

	var relay *notify.SNSRelay
	if cfg.SNSTopicARN != "" {
		snsClient, err := store.NewSNSClient(ctx, cfg.AWSRegion)
		if err != nil {
			log.Fatalf("sns client: %v", err)
		}
		relay = notify.NewSNSRelay(snsClient, cfg.SNSTopicARN)
	}

	var archiver *archive.Client
	if cfg.ArchiveURL != "" {
		archiver = archive.New(cfg.ArchiveURL, cfg.ArchiveAPIKey)
	}

	go runRelay(ctx, bus, relay)
	go runReportSchedule(ctx, cfg, report.NewGenerator(recStore), archiver, bus)

	log.Println("worker started")
	<-ctx.Done()
	log.Println("worker shutting down")
}

// runRelay drains the notification bus and forwards each event to SNS. With
// no SNS topic configured events are only logged.
func runRelay(ctx context.Context, bus notify.Bus, relay *notify.SNSRelay) {
	events, err := bus.Consume(ctx)
	if err != nil {
		log.Printf("consume failed: %v", err)
		return
	}
	for evt := range events {
		if relay == nil {
			log.Printf("event %s user=%s class=%s status=%s", evt.Type, evt.UserID, evt.ClassID, evt.Status)
			continue
		}
		if err := relay.Publish(ctx, evt); err != nil {
			// Best effort: drop and move on, the record itself is durable.
			log.Printf("sns publish failed (type=%s): %v", evt.Type, err)
		}
	}
}

// runReportSchedule generates the previous day's report once per day at the
// configured hour. A failed run is logged and retried the next day.
func runReportSchedule(ctx context.Context, cfg config.App, gen *report.Generator, archiver *archive.Client, bus notify.Bus) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("invalid timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastRun string
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			local := now.In(loc)
			day := local.Format(attendance.DateLayout)
			if local.Hour() != cfg.ReportHour || lastRun == day {
				continue
			}
			lastRun = day
			runDailyReport(ctx, gen, archiver, bus, local.AddDate(0, 0, -1).Format(attendance.DateLayout))
		}
	}
}

func runDailyReport(ctx context.Context, gen *report.Generator, archiver *archive.Client, bus notify.Bus, date string) {
	rep, err := gen.Daily(ctx, date)
	if err != nil {
		log.Printf("daily report %s failed: %v", date, err)
		return
	}
	log.Printf("daily report %s: %d classes, %d records", date, len(rep.Classes), rep.Total)

	if archiver != nil {
		res, err := archiver.StoreReport(ctx, string(report.KindDaily), date, rep)
		if err != nil {
			log.Printf("daily report %s archive failed: %v", date, err)
		} else {
			log.Printf("daily report %s archived as %s", date, res.Key)
		}
	}

	if err := bus.Publish(ctx, notify.Event{
		Type:      "report.generated",
		Status:    string(report.KindDaily),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Printf("report event publish failed: %v", err)
	}
}
