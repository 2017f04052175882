// Package metrics samples host and session counters into bounded rings and
// derives a health status from the latest sample.
package metrics

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	model "github.com/zhouzirui/session-gateway/internal/model/metrics"
	"github.com/zhouzirui/session-gateway/internal/model/session"
	"github.com/zhouzirui/session-gateway/internal/observability"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultCapacity        = 2880
	DefaultFlushInterval   = 5 * time.Minute
	DefaultSessionInterval = time.Minute
	DefaultSessionCapacity = 1440
	DefaultWarnPercent     = 80
	DefaultCriticalPercent = 90

	recentWindow = time.Hour
)

// SessionSource exposes the registry counters.
type SessionSource interface {
	Counts() session.Counts
	ListSessions() []session.Session
}

// MessageSource exposes message log counters.
type MessageSource interface {
	CountSince(sessionID string, since time.Time) int
}

// WebhookSource exposes the number of subscriptions.
type WebhookSource interface {
	Count() int
}

// Repository persists the system ring between restarts.
type Repository interface {
	LoadSnapshots(ctx context.Context) ([]model.Snapshot, error)
	ReplaceSnapshots(ctx context.Context, snapshots []model.Snapshot) error
}

// Config tunes sampling.
type Config struct {
	Interval        time.Duration
	Capacity        int
	FlushInterval   time.Duration
	SessionInterval time.Duration
	SessionCapacity int
	WarnPercent     float64
	CriticalPercent float64
}

// Sources wires the collector to the rest of the gateway. Any field may be nil.
type Sources struct {
	System   SystemReader
	Sessions SessionSource
	Messages MessageSource
	Webhooks WebhookSource
	Repo     Repository
}

// Collector is safe for concurrent use.
type Collector struct {
	cfg     Config
	src     Sources
	started time.Time
	now     func() time.Time
	readMem func(*runtime.MemStats)
	logger  zerolog.Logger

	current atomic.Pointer[model.Snapshot]

	mu      sync.RWMutex
	history *queue.Queue

	sessionMu sync.RWMutex
	sessions  map[string]*queue.Queue
}

func New(cfg Config, src Sources) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SessionInterval <= 0 {
		cfg.SessionInterval = DefaultSessionInterval
	}
	if cfg.SessionCapacity <= 0 {
		cfg.SessionCapacity = DefaultSessionCapacity
	}
	if cfg.WarnPercent <= 0 {
		cfg.WarnPercent = DefaultWarnPercent
	}
	if cfg.CriticalPercent <= 0 {
		cfg.CriticalPercent = DefaultCriticalPercent
	}
	if src.System == nil {
		src.System = HostReader{}
	}

	return &Collector{
		cfg:      cfg,
		src:      src,
		started:  time.Now(),
		now:      time.Now,
		readMem:  runtime.ReadMemStats,
		logger:   observability.Component("metrics"),
		history:  queue.New(),
		sessions: make(map[string]*queue.Queue),
	}
}

// Load rehydrates the system ring. A missing history is not an error.
func (c *Collector) Load(ctx context.Context) error {
	if c.src.Repo == nil {
		return nil
	}

	snapshots, err := c.src.Repo.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load metrics history: %w", err)
	}

	c.mu.Lock()
	for i := range snapshots {
		c.push(snapshots[i])
	}
	c.mu.Unlock()

	if n := len(snapshots); n > 0 {
		last := snapshots[n-1]
		c.current.Store(&last)
	}
	c.logger.Info().Int("count", len(snapshots)).Msg("metrics history restored")
	return nil
}

// Flush writes the system ring to the repository.
func (c *Collector) Flush(ctx context.Context) error {
	if c.src.Repo == nil {
		return nil
	}

	c.mu.RLock()
	snapshots := make([]model.Snapshot, 0, c.history.Length())
	for i := 0; i < c.history.Length(); i++ {
		snapshots = append(snapshots, c.history.Get(i).(model.Snapshot))
	}
	c.mu.RUnlock()

	if err := c.src.Repo.ReplaceSnapshots(ctx, snapshots); err != nil {
		return fmt.Errorf("flush metrics history: %w", err)
	}
	c.logger.Debug().Int("count", len(snapshots)).Msg("metrics history flushed")
	return nil
}

// Run samples until ctx is done, then flushes one last time.
func (c *Collector) Run(ctx context.Context) error {
	c.Sample(ctx)
	c.SampleSessions()

	sample := time.NewTicker(c.cfg.Interval)
	defer sample.Stop()
	sessions := time.NewTicker(c.cfg.SessionInterval)
	defer sessions.Stop()
	flush := time.NewTicker(c.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.Flush(flushCtx)
		case <-sample.C:
			c.Sample(ctx)
		case <-sessions.C:
			c.SampleSessions()
		case <-flush.C:
			if err := c.Flush(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("periodic metrics flush failed")
			}
		}
	}
}

// Sample takes one system snapshot and stores it.
func (c *Collector) Sample(ctx context.Context) model.Snapshot {
	stats, err := c.src.System.Read(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("partial system reading")
	}

	var ms runtime.MemStats
	c.readMem(&ms)

	now := c.now().UTC()
	process := now.Sub(c.started).Seconds()

	snap := model.Snapshot{
		Timestamp: now,
		Memory: model.Memory{
			Total:        stats.MemoryTotal,
			Free:         stats.MemoryFree,
			Used:         stats.MemoryUsed,
			UsagePercent: percent(stats.MemoryUsed, stats.MemoryTotal),
			Process: model.ProcessMemory{
				HeapAlloc:  ms.HeapAlloc,
				HeapSys:    ms.HeapSys,
				HeapUsage:  percent(ms.HeapAlloc, ms.HeapSys),
				Sys:        ms.Sys,
				Goroutines: runtime.NumGoroutine(),
			},
		},
		CPU: model.CPU{
			LoadAverage: stats.Load,
			Cores:       stats.Cores,
			Platform:    runtime.GOOS,
			Arch:        runtime.GOARCH,
		},
		Uptime: model.Uptime{
			System:    stats.Uptime,
			Process:   round2(process),
			Formatted: FormatUptime(process),
		},
	}

	if c.src.Sessions != nil {
		counts := c.src.Sessions.Counts()
		snap.Sessions.Total = counts.Total
		snap.Sessions.Active = counts.Active
		snap.Sessions.PairingPending = counts.PairingPending
	}
	if c.src.Webhooks != nil {
		snap.Sessions.Webhooks = c.src.Webhooks.Count()
	}

	c.mu.Lock()
	c.push(snap)
	c.mu.Unlock()
	c.current.Store(&snap)

	observability.SetMemoryUsage(snap.Memory.UsagePercent)
	observability.SetSessionCounts(snap.Sessions.Total, snap.Sessions.Active, snap.Sessions.PairingPending)
	return snap
}

// push must be called with mu held.
func (c *Collector) push(snap model.Snapshot) {
	for c.history.Length() >= c.cfg.Capacity {
		c.history.Remove()
	}
	c.history.Add(snap)
}

// SampleSessions appends one sample per live session. Rings of sessions that
// no longer exist are discarded.
func (c *Collector) SampleSessions() {
	if c.src.Sessions == nil {
		return
	}

	now := c.now().UTC()
	list := c.src.Sessions.ListSessions()
	live := make(map[string]struct{}, len(list))

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	for _, s := range list {
		live[s.ID] = struct{}{}

		sample := model.SessionSample{
			Timestamp:    now,
			State:        s.State,
			ConnectedAt:  s.ConnectedAt,
			MessageCount: s.MessageCount,
			HasQR:        s.HasPairingChallenge,
		}
		if c.src.Messages != nil {
			sample.RecentMessages = c.src.Messages.CountSince(s.ID, now.Add(-recentWindow))
		}

		ring, ok := c.sessions[s.ID]
		if !ok {
			ring = queue.New()
			c.sessions[s.ID] = ring
		}
		for ring.Length() >= c.cfg.SessionCapacity {
			ring.Remove()
		}
		ring.Add(sample)
	}

	for id := range c.sessions {
		if _, ok := live[id]; !ok {
			delete(c.sessions, id)
		}
	}
}

// CurrentSnapshot returns the latest sample without blocking, or nil before
// the first one.
func (c *Collector) CurrentSnapshot() *model.Snapshot {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	out := *snap
	return &out
}

// HealthStatus classifies the latest sample. Conditions escalate to the most
// severe level; zero active sessions only turns healthy into warning.
func (c *Collector) HealthStatus() model.Health {
	now := c.now().UTC()
	snap := c.CurrentSnapshot()
	if snap == nil {
		return model.Health{Status: model.Unknown, Alerts: []string{}, Timestamp: now}
	}

	status := model.Healthy
	alerts := []string{}

	switch usage := snap.Memory.UsagePercent; {
	case usage > c.cfg.CriticalPercent:
		status = model.Critical
		alerts = append(alerts, fmt.Sprintf("system memory critical (>%.0f%%)", c.cfg.CriticalPercent))
	case usage > c.cfg.WarnPercent:
		status = model.Warning
		alerts = append(alerts, fmt.Sprintf("system memory high (>%.0f%%)", c.cfg.WarnPercent))
	}

	switch heap := snap.Memory.Process.HeapUsage; {
	case heap > c.cfg.CriticalPercent:
		status = model.Critical
		alerts = append(alerts, fmt.Sprintf("process heap critical (>%.0f%%)", c.cfg.CriticalPercent))
	case heap > c.cfg.WarnPercent:
		if status == model.Healthy {
			status = model.Warning
		}
		alerts = append(alerts, fmt.Sprintf("process heap high (>%.0f%%)", c.cfg.WarnPercent))
	}

	if snap.Sessions.Active == 0 {
		if status == model.Healthy {
			status = model.Warning
		}
		alerts = append(alerts, "no active sessions")
	}

	return model.Health{Status: status, Alerts: alerts, Metrics: snap, Timestamp: now}
}

// History returns the system samples of the last hours.
func (c *Collector) History(hours int) model.History {
	period := c.period(hours)

	c.mu.RLock()
	data := make([]model.Snapshot, 0)
	for i := 0; i < c.history.Length(); i++ {
		snap := c.history.Get(i).(model.Snapshot)
		if inPeriod(snap.Timestamp, period) {
			data = append(data, snap)
		}
	}
	c.mu.RUnlock()

	return model.History{Period: period, Data: data, Summary: summarize(data)}
}

// SessionHistory returns the samples of one session for the last hours.
func (c *Collector) SessionHistory(sessionID string, hours int) model.SessionHistory {
	period := c.period(hours)

	c.sessionMu.RLock()
	data := make([]model.SessionSample, 0)
	if ring, ok := c.sessions[sessionID]; ok {
		for i := 0; i < ring.Length(); i++ {
			sample := ring.Get(i).(model.SessionSample)
			if inPeriod(sample.Timestamp, period) {
				data = append(data, sample)
			}
		}
	}
	c.sessionMu.RUnlock()

	return model.SessionHistory{
		SessionID: sessionID,
		Period:    period,
		Data:      data,
		Summary:   summarizeSession(data),
	}
}

func (c *Collector) period(hours int) model.Period {
	if hours <= 0 {
		hours = 24
	}
	end := c.now().UTC()
	return model.Period{Start: end.Add(-time.Duration(hours) * time.Hour), End: end, Hours: hours}
}

func inPeriod(ts time.Time, p model.Period) bool {
	return !ts.Before(p.Start) && !ts.After(p.End)
}

func summarize(data []model.Snapshot) *model.Summary {
	if len(data) == 0 {
		return nil
	}

	memory := model.Range{Max: math.Inf(-1), Min: math.Inf(1)}
	sessions := model.Range{Max: math.Inf(-1), Min: math.Inf(1)}
	var memSum, sessSum float64

	for _, snap := range data {
		m := snap.Memory.UsagePercent
		memSum += m
		memory.Max = math.Max(memory.Max, m)
		memory.Min = math.Min(memory.Min, m)

		s := float64(snap.Sessions.Total)
		sessSum += s
		sessions.Max = math.Max(sessions.Max, s)
		sessions.Min = math.Min(sessions.Min, s)
	}

	n := float64(len(data))
	memory.Avg = round2(memSum / n)
	memory.Max = round2(memory.Max)
	memory.Min = round2(memory.Min)
	sessions.Avg = math.Round(sessSum / n)

	return &model.Summary{Memory: memory, Sessions: sessions, DataPoints: len(data)}
}

func summarizeSession(data []model.SessionSample) *model.SessionSummary {
	if len(data) == 0 {
		return nil
	}

	var total, peak, connected int
	for _, s := range data {
		total += s.RecentMessages
		if s.RecentMessages > peak {
			peak = s.RecentMessages
		}
		if s.State == session.StateConnected {
			connected++
		}
	}

	n := float64(len(data))
	return &model.SessionSummary{
		MessagesTotal: total,
		MessagesAvg:   math.Round(float64(total) / n),
		MessagesMax:   peak,
		UptimePercent: round2(float64(connected) / n * 100),
		DataPoints:    len(data),
	}
}

// FormatUptime renders seconds as "1d 2h 3m", "2h 3m" or "3m 4s".
func FormatUptime(seconds float64) string {
	total := int64(seconds)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return round2(float64(part) / float64(whole) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
