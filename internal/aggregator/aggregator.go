// Package aggregator maintains real-time stream statistics: emote counters,
// the recent-followers ring, and daily totals. It owns that state exclusively;
// other components read it through synchronous query methods.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/service"
	"github.com/robfig/cron/v3"
)

// EmoteKind distinguishes third-party emotes from Twitch-native ones.
type EmoteKind string

const (
	KindRegular EmoteKind = "regular"
	KindNative  EmoteKind = "native"
)

type emoteKey struct {
	Name string
	Kind EmoteKind
}

type emoteEntry struct {
	Today   uint64
	AllTime uint64
	seq     uint64 // insertion order, used to break eviction ties
}

// EmoteStat is one row of a top-N answer.
type EmoteStat struct {
	Name  string    `json:"name"`
	Count uint64    `json:"count"`
	Kind  EmoteKind `json:"kind"`
}

// EmoteStats is the answer to GetEmoteStats.
type EmoteStats struct {
	RegularEmotes map[string]uint64 `json:"regular_emotes"`
	NativeEmotes  map[string]uint64 `json:"native_emotes"`
	TopToday      []EmoteStat       `json:"top_today"`
	TopAllTime    []EmoteStat       `json:"top_alltime"`
}

// Follower is one entry in the recent-followers ring.
type Follower struct {
	Timestamp time.Time `json:"timestamp"`
	UserName  string    `json:"user_name"`
}

// DailyStats are the counters zeroed at every daily rollover.
type DailyStats struct {
	TotalMessages uint64    `json:"total_messages"`
	TotalFollows  uint64    `json:"total_follows"`
	StartedAt     time.Time `json:"started_at"`
}

const topN = 10

// Options tune the aggregator's memory caps and maintenance cadence.
type Options struct {
	MaxFollowers    int
	MaxEmoteEntries int
	CleanupInterval time.Duration
	Clock           func() time.Time
}

func (o Options) normalized() Options {
	if o.MaxFollowers <= 0 {
		o.MaxFollowers = 100
	}
	if o.MaxEmoteEntries <= 0 {
		o.MaxEmoteEntries = 1000
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Aggregator consumes chat and follower events and serves stats queries.
type Aggregator struct {
	events *bus.Bus
	opts   Options
	logger *logger.Logger

	mu        sync.Mutex
	emotes    map[emoteKey]*emoteEntry
	insertSeq uint64
	followers []Follower
	daily     DailyStats

	status    service.Status
	startedAt time.Time

	cron   *cron.Cron
	subs   []*bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an aggregator wired to the bus.
func New(events *bus.Bus, log *logger.Logger, opts Options) *Aggregator {
	return &Aggregator{
		events: events,
		opts:   opts.normalized(),
		logger: log.WithComponent("aggregator"),
		emotes: make(map[emoteKey]*emoteEntry),
		status: service.StatusStarting,
	}
}

// Start subscribes to chat and followers and begins the maintenance
// schedules: daily reset at UTC midnight, periodic cap enforcement.
func (a *Aggregator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.startedAt = a.opts.Clock()

	a.mu.Lock()
	a.daily.StartedAt = a.startedAt
	a.status = service.StatusRunning
	a.mu.Unlock()

	chatSub := a.events.Subscribe(bus.TopicChat)
	followSub := a.events.Subscribe(bus.TopicFollowers)
	a.subs = []*bus.Subscription{chatSub, followSub}

	a.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := a.cron.AddFunc("0 0 * * *", a.resetDaily); err != nil {
		cancel()
		for _, sub := range a.subs {
			sub.Cancel()
		}
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	a.cron.Start()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.run(runCtx, chatSub, followSub)
	}()
	go func() {
		defer a.wg.Done()
		a.cleanupLoop(runCtx)
	}()

	a.logger.Info("aggregator started",
		slog.Int("max_followers", a.opts.MaxFollowers),
		slog.Int("max_emote_entries", a.opts.MaxEmoteEntries))
	return nil
}

// Stop detaches from the bus and halts the schedules.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, sub := range a.subs {
		sub.Cancel()
	}
	if a.cron != nil {
		a.cron.Stop()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.status = service.StatusStopped
	a.mu.Unlock()
}

func (a *Aggregator) Status() service.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Aggregator) Health() service.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return service.Health{Healthy: a.status == service.StatusRunning}
}

func (a *Aggregator) Info() service.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return service.Info{
		Name:      "aggregator",
		StartedAt: a.startedAt,
		Extra: map[string]interface{}{
			"emote_entries": len(a.emotes),
			"followers":     len(a.followers),
		},
	}
}

func (a *Aggregator) run(ctx context.Context, chatSub, followSub *bus.Subscription) {
	for {
		select {
		case env := <-chatSub.C:
			a.handleChat(env)
		case env := <-followSub.C:
			a.handleFollow(env)
		case <-ctx.Done():
			return
		}
	}
}

// handleChat ingests one chat envelope. Malformed payloads are logged and
// discarded.
func (a *Aggregator) handleChat(env bus.Envelope) {
	msg, ok := env.Payload.(bus.ChatMessage)
	if !ok {
		a.logger.Warn("discarding malformed chat payload",
			slog.String("type", env.Type),
			slog.String("correlation_id", env.CorrelationID))
		return
	}

	a.mu.Lock()
	a.daily.TotalMessages++
	a.mu.Unlock()

	a.RecordEmoteUsage(msg.Emotes, msg.NativeEmotes, msg.UserName)
}

func (a *Aggregator) handleFollow(env bus.Envelope) {
	follow, ok := env.Payload.(bus.Follow)
	if !ok {
		a.logger.Warn("discarding malformed follow payload",
			slog.String("type", env.Type),
			slog.String("correlation_id", env.CorrelationID))
		return
	}

	a.mu.Lock()
	a.daily.TotalFollows++
	a.mu.Unlock()

	ts := follow.Timestamp
	if ts.IsZero() {
		ts = env.Timestamp
	}
	a.RecordFollower(follow.UserName, ts)
}

// RecordEmoteUsage increments today and all-time counts for each emote,
// inserting (1,1) entries for emotes seen for the first time.
func (a *Aggregator) RecordEmoteUsage(emotes, nativeEmotes []string, user string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, name := range emotes {
		a.incrementLocked(emoteKey{Name: name, Kind: KindRegular})
	}
	for _, name := range nativeEmotes {
		a.incrementLocked(emoteKey{Name: name, Kind: KindNative})
	}
	a.evictEmotesLocked()
}

func (a *Aggregator) incrementLocked(key emoteKey) {
	if entry, ok := a.emotes[key]; ok {
		entry.Today++
		entry.AllTime++
		return
	}
	a.insertSeq++
	a.emotes[key] = &emoteEntry{Today: 1, AllTime: 1, seq: a.insertSeq}
}

// evictEmotesLocked enforces the entry cap by dropping the lowest all-time
// counts first; among equal counts the later-inserted entry goes first.
func (a *Aggregator) evictEmotesLocked() {
	if len(a.emotes) <= a.opts.MaxEmoteEntries {
		return
	}

	type victim struct {
		key   emoteKey
		entry *emoteEntry
	}
	candidates := make([]victim, 0, len(a.emotes))
	for key, entry := range a.emotes {
		candidates = append(candidates, victim{key, entry})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].entry.AllTime != candidates[j].entry.AllTime {
			return candidates[i].entry.AllTime < candidates[j].entry.AllTime
		}
		return candidates[i].entry.seq > candidates[j].entry.seq
	})

	excess := len(a.emotes) - a.opts.MaxEmoteEntries
	for _, v := range candidates[:excess] {
		delete(a.emotes, v.key)
	}
	a.logger.Info("evicted emote entries", slog.Int("count", excess))
}

// RecordFollower appends to the followers ring, evicting the oldest entry
// when the cap is exceeded.
func (a *Aggregator) RecordFollower(user string, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.followers = append(a.followers, Follower{Timestamp: ts, UserName: user})
	sort.SliceStable(a.followers, func(i, j int) bool {
		return a.followers[i].Timestamp.Before(a.followers[j].Timestamp)
	})
	if over := len(a.followers) - a.opts.MaxFollowers; over > 0 {
		a.followers = append([]Follower(nil), a.followers[over:]...)
	}
}

// GetEmoteStats returns per-kind today counts and the top-10 lists.
// Top-N ordering is count descending, ties broken alphabetically.
func (a *Aggregator) GetEmoteStats() EmoteStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := EmoteStats{
		RegularEmotes: make(map[string]uint64),
		NativeEmotes:  make(map[string]uint64),
	}
	today := make([]EmoteStat, 0, len(a.emotes))
	allTime := make([]EmoteStat, 0, len(a.emotes))
	for key, entry := range a.emotes {
		if key.Kind == KindNative {
			out.NativeEmotes[key.Name] = entry.Today
		} else {
			out.RegularEmotes[key.Name] = entry.Today
		}
		if entry.Today > 0 {
			today = append(today, EmoteStat{Name: key.Name, Count: entry.Today, Kind: key.Kind})
		}
		allTime = append(allTime, EmoteStat{Name: key.Name, Count: entry.AllTime, Kind: key.Kind})
	}

	out.TopToday = topEmotes(today)
	out.TopAllTime = topEmotes(allTime)
	return out
}

func topEmotes(stats []EmoteStat) []EmoteStat {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Name < stats[j].Name
	})
	if len(stats) > topN {
		stats = stats[:topN]
	}
	return stats
}

// GetRecentFollowers returns up to limit followers, most recent first.
func (a *Aggregator) GetRecentFollowers(limit int) []Follower {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Follower, 0, limit)
	for i := len(a.followers) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.followers[i])
	}
	return out
}

// GetDailyStats returns the counters since the last rollover.
func (a *Aggregator) GetDailyStats() DailyStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.daily
}

// resetDaily zeros today counters and the daily totals. All-time emote
// counts survive.
func (a *Aggregator) resetDaily() {
	now := a.opts.Clock()

	a.mu.Lock()
	for _, entry := range a.emotes {
		entry.Today = 0
	}
	a.daily = DailyStats{StartedAt: now}
	a.mu.Unlock()

	a.logger.Info("daily stats reset", slog.Time("started_at", now))
}

func (a *Aggregator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup re-enforces the memory caps. Normally a no-op since ingestion
// enforces them inline.
func (a *Aggregator) cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if over := len(a.followers) - a.opts.MaxFollowers; over > 0 {
		a.followers = append([]Follower(nil), a.followers[over:]...)
	}
	a.evictEmotesLocked()
}
