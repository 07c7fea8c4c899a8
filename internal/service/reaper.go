package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/remaestro/deplyx/internal/config"
	"github.com/remaestro/deplyx/internal/workflow"
)

// Reaper periodically expires overdue approval slots, which rejects the
// changes still waiting on them.
type Reaper struct {
	controller *workflow.Controller
	log        *slog.Logger
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewReaper(controller *workflow.Controller, log *slog.Logger, cfg *config.Config) *Reaper {
	return &Reaper{
		controller: controller,
		log:        log,
		interval:   time.Duration(cfg.ReaperIntervalSec) * time.Second,
	}
}

// Start launches the reap loop. One sweep runs immediately.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.sweep(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
	r.log.Info("approval reaper started", "interval", r.interval)
}

// Stop halts the loop and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	if err := r.controller.ExpireApprovals(ctx); err != nil {
		r.log.Error("expiring approvals", "error", err)
	}
}
