// Package jobs holds the periodic maintenance work of the node.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"

	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/internal/nodecache"
	"github.com/i5heu/ouroboros-ingest/internal/scheduler"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

const (
	// RefreshViewsLock is the cluster-wide lock name held while refreshing.
	RefreshViewsLock = "refresh-views"
	// NodeStatsState is the node cache state entry holding the last
	// Snapshot as JSON.
	NodeStatsState = "node-stats"
)

// ViewRefresher recomputes derived tables. msgstore.Store implements it.
type ViewRefresher interface {
	RefreshViews(ctx context.Context) error
}

// MessageCounter counts accepted messages. msgstore.Store implements it.
type MessageCounter interface {
	CountAccepted(ctx context.Context) (int64, error)
}

// GarbageCollector is implemented by caches that need periodic compaction.
type GarbageCollector interface {
	CollectGarbage() error
}

// RefreshViews refreshes the derived views on one node of the cluster at
// a time.
type RefreshViews struct {
	Cache   nodecache.Cache
	Store   ViewRefresher
	LockTTL time.Duration
	Logger  *slog.Logger
}

func (j RefreshViews) Run(ctx context.Context) error {
	log := logging.OrDiscard(j.Logger)
	ttl := j.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	lease, ok, err := j.Cache.AcquireLock(ctx, RefreshViewsLock, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", RefreshViewsLock, err)
	}
	if !ok {
		log.DebugContext(ctx, "views are being refreshed by another node")
		return nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := j.Cache.Release(rctx, lease); err != nil {
			log.WarnContext(ctx, "could not release refresh lock", "error", err)
		}
	}()

	started := time.Now()
	if err := j.Store.RefreshViews(ctx); err != nil {
		return fmt.Errorf("refresh views: %w", err)
	}
	log.InfoContext(ctx, "views refreshed", "took", time.Since(started))
	return nil
}

// Snapshot is the host state published by NodeStats.
type Snapshot struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemUsed    uint64    `json:"mem_used"`
	MemTotal   uint64    `json:"mem_total"`
	DiskUsed   uint64    `json:"disk_used"`
	DiskTotal  uint64    `json:"disk_total"`
	Accepted   int64     `json:"accepted_messages"`
	TakenAt    time.Time `json:"taken_at"`
}

// NodeStats samples host resources and the accepted message count into
// the node cache and the metrics gauges.
type NodeStats struct {
	Cache   nodecache.Cache
	Store   MessageCounter
	Metrics *metrics.Metrics
	// DiskPath is the volume measured, usually the blob store folder.
	DiskPath string
	// TTL of the published state; zero keeps it until the next reset.
	TTL    time.Duration
	Logger *slog.Logger
}

func (j NodeStats) Run(ctx context.Context) error {
	s, err := j.sample(ctx)
	if err != nil {
		return err
	}
	j.Metrics.NodeStats(s.CPUPercent, s.MemUsed, s.DiskUsed, s.Accepted)

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode node stats: %w", err)
	}
	if err := j.Cache.SetState(ctx, NodeStatsState, string(data), j.TTL); err != nil {
		return fmt.Errorf("publish node stats: %w", err)
	}
	logging.OrDiscard(j.Logger).DebugContext(ctx, "node stats",
		"cpu_percent", s.CPUPercent, "mem_used", s.MemUsed, "disk_used", s.DiskUsed, "accepted", s.Accepted)
	return nil
}

func (j NodeStats) sample(ctx context.Context) (Snapshot, error) {
	s := Snapshot{TakenAt: time.Now().UTC()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("cpu usage: %w", err)
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory usage: %w", err)
	}
	s.MemUsed, s.MemTotal = vm.Used, vm.Total

	path := j.DiskPath
	if path == "" {
		path = "/"
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return s, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	s.DiskUsed, s.DiskTotal = du.Used, du.Total

	s.Accepted, err = j.Store.CountAccepted(ctx)
	if err != nil {
		return s, fmt.Errorf("count accepted messages: %w", err)
	}
	return s, nil
}

// Config selects and paces the maintenance units.
type Config struct {
	Cache nodecache.Cache
	Store interface {
		ViewRefresher
		MessageCounter
	}
	Metrics              *metrics.Metrics
	RefreshViewsInterval time.Duration
	NodeStatsInterval    time.Duration
	DiskPath             string
	Logger               *slog.Logger
}

// Units returns the periodic units for config. Caches that need
// compaction get a garbage collection unit on the stats interval.
func Units(config Config) []scheduler.Unit {
	units := []scheduler.Unit{
		scheduler.Periodic("refresh-views", config.RefreshViewsInterval, RefreshViews{
			Cache:   config.Cache,
			Store:   config.Store,
			LockTTL: 2 * config.RefreshViewsInterval,
			Logger:  config.Logger,
		}.Run),
		scheduler.Periodic("node-stats", config.NodeStatsInterval, NodeStats{
			Cache:    config.Cache,
			Store:    config.Store,
			Metrics:  config.Metrics,
			DiskPath: config.DiskPath,
			TTL:      3 * config.NodeStatsInterval,
			Logger:   config.Logger,
		}.Run),
	}
	if gc, ok := config.Cache.(GarbageCollector); ok {
		units = append(units, scheduler.Periodic("cache-gc", config.NodeStatsInterval,
			func(context.Context) error { return gc.CollectGarbage() }))
	}
	return units
}
