package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/meetnotes/internal/websocket"
)

// Publisher periodically writes the ICS feed to a file so external calendar
// apps can subscribe to it.
type Publisher struct {
	svc      *Service
	hub      Broadcaster
	path     string
	lookback time.Duration
	horizon  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron
}

func NewPublisher(svc *Service, hub Broadcaster, path string, horizon time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		svc:      svc,
		hub:      hub,
		path:     path,
		lookback: 30 * 24 * time.Hour,
		horizon:  horizon,
		logger:   logger.With("component", "publisher"),
		now:      time.Now,
	}
}

// Start publishes once, then on every tick of schedule (standard five-field
// cron syntax or descriptors such as "@every 15m").
func (p *Publisher) Start(schedule string) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(p.logger.Handler(), slog.LevelError))
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(schedule, p.run); err != nil {
		return fmt.Errorf("parse publish schedule %q: %w", schedule, err)
	}
	p.cron = c
	p.run()
	c.Start()
	p.logger.Info("calendar publisher started", "path", p.path, "schedule", schedule)
	return nil
}

// Stop waits for a running publish to finish or ctx to expire.
func (p *Publisher) Stop(ctx context.Context) {
	if p.cron == nil {
		return
	}
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (p *Publisher) run() {
	if err := p.Publish(); err != nil {
		p.logger.Error("publish calendar", "error", err)
	}
}

// Publish renders the feed and replaces the file atomically.
func (p *Publisher) Publish() error {
	now := p.now()
	feed, err := p.svc.ExportICS(now.Add(-p.lookback), now.Add(p.horizon))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create publish dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".calendar-*.ics")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(feed); err != nil {
		tmp.Close()
		return fmt.Errorf("write feed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close feed: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod feed: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replace feed: %w", err)
	}

	p.logger.Debug("calendar published", "path", p.path, "bytes", len(feed))
	p.hub.Broadcast(websocket.NewMessage("calendar", "published", "", map[string]any{
		"path": p.path,
	}))
	return nil
}
