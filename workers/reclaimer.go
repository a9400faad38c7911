package workers

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"vessel_ingest/services"
)

// Reclaimer periodically returns abandoned detail jobs to the queue.
type Reclaimer struct {
	queue     *services.DetailQueue
	leases    map[string]time.Duration
	logger    *zap.Logger
	triggerCh chan struct{}
}

// NewReclaimer takes the lease timeout of every source to watch.
func NewReclaimer(queue *services.DetailQueue, leases map[string]time.Duration, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		queue:     queue,
		leases:    leases,
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger causes the reclaimer to run immediately
func (r *Reclaimer) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// RunOnce reclaims expired leases of every source and returns the total.
func (r *Reclaimer) RunOnce(ctx context.Context) int {
	sources := make([]string, 0, len(r.leases))
	for s := range r.leases {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	total := 0
	for _, source := range sources {
		n, err := r.queue.ReclaimExpired(ctx, source, r.leases[source])
		if err != nil {
			r.logger.Error("reclaim failed", zap.String("source", source), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		r.logger.Info("reclaimed expired leases", zap.Int("jobs", total))
	}
	return total
}

// Run loops until ctx is done.
func (r *Reclaimer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.triggerCh:
		}
		r.RunOnce(ctx)
	}
}
