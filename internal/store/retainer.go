package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Retainer purges journal rows older than a retention window.
type Retainer struct {
	db       *DB
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewRetainer keeps window worth of rows and checks every interval.
// A zero window keeps everything.
func NewRetainer(db *DB, window, interval time.Duration, log *zap.Logger) *Retainer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retainer{db: db, window: window, interval: interval, now: time.Now, log: log}
}

// Start purges once, then on every tick; blocks until ctx is done.
func (r *Retainer) Start(ctx context.Context) error {
	if r.window <= 0 {
		r.log.Info("store: retention disabled")
		return nil
	}
	r.log.Info("store: retainer starting",
		zap.Duration("window", r.window),
		zap.Duration("interval", r.interval),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.purge()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("store: retainer stopped")
			return nil
		case <-ticker.C:
			r.purge()
		}
	}
}

func (r *Retainer) purge() {
	n, err := r.db.DeleteBefore(r.now().Add(-r.window))
	if err != nil {
		r.log.Error("store: purge", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("store: purged journal rows", zap.Int64("rows", n))
	}
}
