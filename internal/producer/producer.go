// Package producer is the central state machine merging interrupts and a
// rotating ticker into the single active-content decision broadcast to
// overlay clients.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/idpool"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/metrics"
	"github.com/driftlight/overlay-server/internal/service"
	"github.com/driftlight/overlay-server/internal/store"
	"github.com/driftlight/overlay-server/internal/timer"
)

// ErrInvalidInterrupt is returned for interrupts without a type.
var ErrInvalidInterrupt = errors.New("invalid_interrupt")

const snapshotKey = "producer:state"

// Interrupt is one entry of the preemption stack.
type Interrupt struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Priority   int                    `json:"priority"`
	Data       map[string]interface{} `json:"data"`
	DurationMS int64                  `json:"duration_ms"`
	StartedAt  time.Time              `json:"started_at"`
}

// ActiveContent is what the overlay should render right now. Derived from
// the interrupt stack and ticker, never authoritative.
type ActiveContent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Priority  int         `json:"priority"`
	StartedAt time.Time   `json:"started_at"`
}

// Metadata rides along with every broadcast state.
type Metadata struct {
	LastUpdated  time.Time `json:"last_updated"`
	StateVersion uint64    `json:"state_version"`
}

// State is the full broadcast payload. Timers are process-local and are
// never part of it.
type State struct {
	CurrentShow    Show           `json:"current_show"`
	ActiveContent  *ActiveContent `json:"active_content"`
	InterruptStack []Interrupt    `json:"interrupt_stack"`
	TickerRotation []string       `json:"ticker_rotation"`
	TickerIndex    int            `json:"ticker_index"`
	Version        uint64         `json:"version"`
	Metadata       Metadata       `json:"metadata"`
}

// InterruptOptions override the per-type defaults.
type InterruptOptions struct {
	Duration time.Duration
	Priority int
}

// Options tune the producer.
type Options struct {
	TickerInterval     time.Duration
	SubTrainDuration   time.Duration
	CleanupInterval    time.Duration
	MaxTimers          int
	MaxStackSize       int
	StackKeepCount     int
	CategoryMap        map[string]Show
	Clock              func() time.Time
	// DisableTicker turns off the rotation schedule; tests drive ticks
	// manually.
	DisableTicker bool
}

func (o Options) normalized() Options {
	if o.TickerInterval <= 0 {
		o.TickerInterval = 15 * time.Second
	}
	if o.SubTrainDuration <= 0 {
		o.SubTrainDuration = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Minute
	}
	if o.MaxTimers <= 0 {
		o.MaxTimers = 100
	}
	if o.MaxStackSize <= 0 {
		o.MaxStackSize = 50
	}
	if o.StackKeepCount <= 0 {
		o.StackKeepCount = 25
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Producer owns the overlay state machine. All mutations are serialized;
// readers get consistent snapshots.
type Producer struct {
	events   *bus.Bus
	enricher Enricher
	states   store.StateStore
	opts     Options
	logger   *logger.Logger

	mu    sync.Mutex
	state State
	wheel *timer.Wheel

	status    service.Status
	startedAt time.Time

	subs   []*bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a producer. The enricher may be nil; ticker slots then carry
// fallback payloads.
func New(events *bus.Bus, enricher Enricher, states store.StateStore, log *logger.Logger, opts Options) *Producer {
	p := &Producer{
		events:   events,
		enricher: enricher,
		states:   states,
		opts:     opts.normalized(),
		logger:   log.WithComponent("producer"),
		status:   service.StatusStarting,
	}
	p.wheel = timer.New(p.onTimerFired)
	return p
}

// Start restores the persisted snapshot (or initializes the variety show),
// subscribes to its topics, and begins the ticker and cleanup schedules.
func (p *Producer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startedAt = p.opts.Clock()

	p.mu.Lock()
	p.restoreLocked(ctx)
	p.status = service.StatusRunning
	p.deriveActiveLocked()
	p.broadcastLocked(ctx)
	p.mu.Unlock()

	topics := []string{
		bus.TopicChat, bus.TopicFollowers, bus.TopicSubscriptions,
		bus.TopicCheers, bus.TopicTwitchEvents, bus.TopicChannelUpdates,
	}
	for _, topic := range topics {
		p.subs = append(p.subs, p.events.Subscribe(topic))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(runCtx)
	}()

	if !p.opts.DisableTicker {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.tickerLoop(runCtx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.cleanupLoop(runCtx)
	}()

	p.logger.Info("producer started",
		slog.String("show", string(p.GetState().CurrentShow)),
		slog.Duration("ticker_interval", p.opts.TickerInterval))
	return nil
}

// Stop cancels all timers and detaches from the bus.
func (p *Producer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, sub := range p.subs {
		sub.Cancel()
	}
	p.wg.Wait()
	p.wheel.CancelAll()

	p.mu.Lock()
	p.status = service.StatusStopped
	p.mu.Unlock()
}

func (p *Producer) Status() service.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Producer) Health() service.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return service.Health{Healthy: p.status == service.StatusRunning}
}

func (p *Producer) Info() service.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return service.Info{
		Name:      "producer",
		StartedAt: p.startedAt,
		Extra: map[string]interface{}{
			"show":       string(p.state.CurrentShow),
			"interrupts": len(p.state.InterruptStack),
			"timers":     p.wheel.Len(),
			"version":    p.state.Version,
		},
	}
}

// GetState returns a snapshot of the full state.
func (p *Producer) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Producer) snapshotLocked() State {
	out := p.state
	out.InterruptStack = append([]Interrupt(nil), p.state.InterruptStack...)
	out.TickerRotation = append([]string(nil), p.state.TickerRotation...)
	if p.state.ActiveContent != nil {
		active := *p.state.ActiveContent
		out.ActiveContent = &active
	}
	return out
}

// ChangeShow switches the show, installing its default rotation.
func (p *Producer) ChangeShow(ctx context.Context, show Show, meta map[string]interface{}) {
	p.mu.Lock()
	if p.state.CurrentShow == show {
		p.mu.Unlock()
		return
	}
	p.state.CurrentShow = show
	p.state.TickerRotation = rotationFor(show)
	p.state.TickerIndex = 0
	p.deriveActiveLocked()
	p.broadcastLocked(ctx)
	p.mu.Unlock()

	p.logger.Info("show changed", slog.String("show", string(show)))
	p.events.Publish(bus.TopicStreamUpdates, bus.TypeShowChange, map[string]interface{}{
		"show":       show,
		"game":       meta["game"],
		"changed_at": p.opts.Clock(),
	})
}

// AddInterrupt pushes an interrupt onto the stack and arms its expiry
// timer. Returns the created interrupt.
func (p *Producer) AddInterrupt(ctx context.Context, interruptType string, data map[string]interface{}, opts InterruptOptions) (Interrupt, error) {
	if interruptType == "" {
		p.logger.Warn("ignoring interrupt without a type")
		return Interrupt{}, ErrInvalidInterrupt
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	in := Interrupt{
		ID:         idpool.Generate(),
		Type:       interruptType,
		Priority:   interruptPriority(interruptType),
		Data:       data,
		DurationMS: interruptDurationMS(interruptType),
		StartedAt:  p.opts.Clock(),
	}
	if opts.Priority > 0 {
		in.Priority = opts.Priority
	}
	if opts.Duration > 0 {
		in.DurationMS = opts.Duration.Milliseconds()
	}

	p.mu.Lock()
	p.insertInterruptLocked(in)
	p.wheel.Arm(in.ID, time.Duration(in.DurationMS)*time.Millisecond, in.Type)
	p.enforceTimerCapLocked()
	p.deriveActiveLocked()
	p.broadcastLocked(ctx)
	p.mu.Unlock()

	p.logger.Info("interrupt added",
		slog.String("id", in.ID),
		slog.String("type", in.Type),
		slog.Int("priority", in.Priority),
		slog.Int64("duration_ms", in.DurationMS))
	return in, nil
}

// RemoveInterrupt cancels the interrupt's timer and drops it from the
// stack. Unknown ids are a no-op.
func (p *Producer) RemoveInterrupt(ctx context.Context, id string) {
	p.mu.Lock()
	if !p.removeInterruptLocked(id) {
		p.mu.Unlock()
		return
	}
	p.deriveActiveLocked()
	p.broadcastLocked(ctx)
	p.mu.Unlock()

	p.logger.Info("interrupt removed", slog.String("id", id))
}

// UpdateTickerContent replaces the rotation and rewinds the cursor.
func (p *Producer) UpdateTickerContent(ctx context.Context, rotation []string) {
	p.mu.Lock()
	p.state.TickerRotation = append([]string(nil), rotation...)
	p.state.TickerIndex = 0
	p.deriveActiveLocked()
	p.broadcastLocked(ctx)
	p.mu.Unlock()
}

// ForceContent pins content on screen via a manual-override interrupt.
func (p *Producer) ForceContent(ctx context.Context, contentType string, data map[string]interface{}, duration time.Duration) (Interrupt, error) {
	in, err := p.AddInterrupt(ctx, InterruptManualOverride, map[string]interface{}{
		"type": contentType,
		"data": data,
	}, InterruptOptions{Duration: duration})
	if err != nil {
		return in, err
	}
	p.events.Publish(bus.TopicStreamUpdates, bus.TypeContentUpdate, map[string]interface{}{
		"type":      contentType,
		"data":      data,
		"timestamp": p.opts.Clock(),
	})
	return in, nil
}

// insertInterruptLocked keeps the stack ordered by priority descending,
// ties broken by started_at ascending, and enforces the stack cap.
func (p *Producer) insertInterruptLocked(in Interrupt) {
	p.state.InterruptStack = append(p.state.InterruptStack, in)
	sortStack(p.state.InterruptStack)

	if len(p.state.InterruptStack) > p.opts.MaxStackSize {
		dropped := p.state.InterruptStack[p.opts.StackKeepCount:]
		p.state.InterruptStack = p.state.InterruptStack[:p.opts.StackKeepCount]
		for _, d := range dropped {
			p.wheel.Cancel(d.ID)
		}
		p.logger.Warn("interrupt stack truncated",
			slog.Int("dropped", len(dropped)),
			slog.Int("kept", p.opts.StackKeepCount))
	}
}

func sortStack(stack []Interrupt) {
	sort.SliceStable(stack, func(i, j int) bool {
		if stack[i].Priority != stack[j].Priority {
			return stack[i].Priority > stack[j].Priority
		}
		return stack[i].StartedAt.Before(stack[j].StartedAt)
	})
}

func (p *Producer) removeInterruptLocked(id string) bool {
	p.wheel.Cancel(id)
	for i, in := range p.state.InterruptStack {
		if in.ID == id {
			p.state.InterruptStack = append(p.state.InterruptStack[:i], p.state.InterruptStack[i+1:]...)
			return true
		}
	}
	return false
}

// enforceTimerCapLocked drops the oldest interrupts until the timer count
// fits the cap again.
func (p *Producer) enforceTimerCapLocked() {
	if p.wheel.Len() <= p.opts.MaxTimers {
		return
	}

	byAge := append([]Interrupt(nil), p.state.InterruptStack...)
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].StartedAt.Before(byAge[j].StartedAt)
	})
	for _, in := range byAge {
		if p.wheel.Len() <= p.opts.MaxTimers {
			break
		}
		p.removeInterruptLocked(in.ID)
		p.logger.Warn("timer cap exceeded, dropping oldest interrupt",
			slog.String("id", in.ID),
			slog.String("type", in.Type))
	}
}

// deriveActiveLocked computes ActiveContent: stack head, else ticker slot,
// else nothing.
func (p *Producer) deriveActiveLocked() {
	if len(p.state.InterruptStack) > 0 {
		head := p.state.InterruptStack[0]
		p.state.ActiveContent = &ActiveContent{
			Type:      head.Type,
			Data:      head.Data,
			Priority:  head.Priority,
			StartedAt: head.StartedAt,
		}
		return
	}

	if len(p.state.TickerRotation) == 0 {
		p.state.ActiveContent = nil
		return
	}

	idx := p.state.TickerIndex % len(p.state.TickerRotation)
	contentType := p.state.TickerRotation[idx]
	p.state.ActiveContent = &ActiveContent{
		Type:      contentType,
		Data:      fetchContent(p.enricher, contentType),
		Priority:  10,
		StartedAt: p.opts.Clock(),
	}
}

// broadcastLocked bumps the version, persists the snapshot, updates
// telemetry, and publishes the state.
func (p *Producer) broadcastLocked(ctx context.Context) {
	p.state.Version++
	p.state.Metadata = Metadata{
		LastUpdated:  p.opts.Clock(),
		StateVersion: p.state.Version,
	}

	metrics.ProducerBroadcastsTotal.Inc()
	metrics.ProducerInterrupts.Set(float64(len(p.state.InterruptStack)))
	metrics.ProducerTimers.Set(float64(p.wheel.Len()))
	metrics.ProducerStateVersion.Set(float64(p.state.Version))

	snapshot := p.snapshotLocked()
	p.persistLocked(ctx, snapshot)
	p.events.Publish(bus.TopicStreamUpdates, bus.TypeStreamUpdate, snapshot)
}

func (p *Producer) persistLocked(ctx context.Context, snapshot State) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.LogError(ctx, err, "marshal state snapshot failed")
		return
	}
	if err := p.states.Put(ctx, snapshotKey, raw); err != nil {
		p.logger.LogError(ctx, err, "persist state snapshot failed")
	}
}

// restoreLocked loads the persisted snapshot and rearms interrupt timers
// with their remaining durations. Invalid or absent snapshots start the
// variety show fresh.
func (p *Producer) restoreLocked(ctx context.Context) {
	p.state = State{
		CurrentShow:    ShowVariety,
		TickerRotation: rotationFor(ShowVariety),
	}

	raw, err := p.states.Get(ctx, snapshotKey)
	if err != nil {
		if !errors.Is(err, store.ErrStateNotFound) {
			p.logger.LogError(ctx, err, "read state snapshot failed")
		}
		return
	}

	var saved State
	if err := json.Unmarshal(raw, &saved); err != nil || saved.CurrentShow == "" || saved.Version == 0 {
		p.logger.Warn("state snapshot corrupt, starting fresh")
		return
	}

	now := p.opts.Clock()
	var kept []Interrupt
	for _, in := range saved.InterruptStack {
		remaining := time.Duration(in.DurationMS)*time.Millisecond - now.Sub(in.StartedAt)
		if now.Before(in.StartedAt) {
			p.logger.Warn("clock went backwards across restart, rearming full duration",
				slog.String("id", in.ID))
			remaining = time.Duration(in.DurationMS) * time.Millisecond
		}
		if remaining <= 0 {
			continue
		}
		if remaining < time.Second {
			remaining = time.Second
		}
		p.wheel.Arm(in.ID, remaining, in.Type)
		kept = append(kept, in)
	}
	saved.InterruptStack = kept
	sortStack(saved.InterruptStack)

	p.state = saved
	p.logger.Info("state restored",
		slog.String("show", string(saved.CurrentShow)),
		slog.Uint64("version", saved.Version),
		slog.Int("interrupts", len(kept)))
}

// onTimerFired handles interrupt expiry signals from the wheel.
func (p *Producer) onTimerFired(id string, payload interface{}) {
	p.mu.Lock()
	if !p.removeInterruptLocked(id) {
		p.mu.Unlock()
		return
	}
	p.deriveActiveLocked()
	p.broadcastLocked(context.Background())
	p.mu.Unlock()

	p.logger.Info("interrupt expired", slog.String("id", id))
}

func (p *Producer) run(ctx context.Context) {
	cases := make([]<-chan bus.Envelope, len(p.subs))
	for i, sub := range p.subs {
		cases[i] = sub.C
	}
	// Chat, followers, cheers, and raw twitch events are subscribed but
	// only drained: the aggregator owns their state, and the producer reads
	// it back through the enricher when a ticker slot renders.
	for {
		select {
		case <-cases[0]: // chat
		case <-cases[1]: // followers
		case env := <-cases[2]: // subscriptions
			p.handleSubscription(ctx, env)
		case <-cases[3]: // cheers
		case <-cases[4]: // twitch:events
		case env := <-cases[5]: // channel:updates
			p.handleChannelUpdate(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// handleSubscription coalesces subscriptions into a running sub-train.
func (p *Producer) handleSubscription(ctx context.Context, env bus.Envelope) {
	sub, ok := env.Payload.(bus.Subscribe)
	if !ok {
		p.logger.Warn("discarding malformed subscription payload",
			slog.String("type", env.Type))
		return
	}

	p.mu.Lock()
	for i := range p.state.InterruptStack {
		in := &p.state.InterruptStack[i]
		if in.Type != InterruptSubTrain || !p.wheel.Armed(in.ID) {
			continue
		}
		// Extend the running train: same id, bumped count, fresh timer.
		p.wheel.Cancel(in.ID)
		in.Data["count"] = asInt(in.Data["count"]) + 1
		in.Data["latest_subscriber"] = sub.UserName
		in.Data["latest_tier"] = sub.Tier
		p.wheel.Arm(in.ID, p.opts.SubTrainDuration, in.Type)
		p.deriveActiveLocked()
		p.broadcastLocked(ctx)
		count := in.Data["count"]
		id := in.ID
		p.mu.Unlock()

		p.logger.Info("sub train extended",
			slog.String("id", id),
			slog.Any("count", count),
			slog.String("subscriber", sub.UserName))
		return
	}
	p.mu.Unlock()

	p.AddInterrupt(ctx, InterruptSubTrain, map[string]interface{}{
		"count":             1,
		"latest_subscriber": sub.UserName,
		"latest_tier":       sub.Tier,
	}, InterruptOptions{Duration: p.opts.SubTrainDuration})
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// handleChannelUpdate detects show changes from category updates.
func (p *Producer) handleChannelUpdate(ctx context.Context, env bus.Envelope) {
	update, ok := env.Payload.(bus.ChannelUpdate)
	if !ok {
		p.logger.Warn("discarding malformed channel update payload",
			slog.String("type", env.Type))
		return
	}

	show, ok := detectShow(p.opts.CategoryMap, update.CategoryID, update.CategoryName)
	if !ok {
		return
	}
	p.ChangeShow(ctx, show, map[string]interface{}{"game": update.CategoryName})
}

func (p *Producer) tickerLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.TickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick advances the rotation cursor. Skipped entirely while interrupts
// hold the screen.
func (p *Producer) Tick(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.state.InterruptStack) > 0 || len(p.state.TickerRotation) == 0 {
		return
	}
	p.state.TickerIndex = (p.state.TickerIndex + 1) % len(p.state.TickerRotation)
	p.deriveActiveLocked()
	p.broadcastLocked(ctx)
}

func (p *Producer) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Cleanup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup reconciles timers with the stack: orphan timers are cancelled,
// an oversized stack is truncated, and the result is persisted.
func (p *Producer) Cleanup(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inStack := make(map[string]struct{}, len(p.state.InterruptStack))
	for _, in := range p.state.InterruptStack {
		inStack[in.ID] = struct{}{}
	}

	changed := false
	for _, id := range p.wheel.IDs() {
		if _, ok := inStack[id]; !ok {
			p.wheel.Cancel(id)
			changed = true
		}
	}

	if len(p.state.InterruptStack) > p.opts.MaxStackSize {
		dropped := p.state.InterruptStack[p.opts.StackKeepCount:]
		p.state.InterruptStack = p.state.InterruptStack[:p.opts.StackKeepCount]
		for _, d := range dropped {
			p.wheel.Cancel(d.ID)
		}
		changed = true
	}

	if changed {
		p.deriveActiveLocked()
		p.broadcastLocked(ctx)
		p.logger.Info("cleanup pass reconciled timers",
			slog.Int("interrupts", len(p.state.InterruptStack)),
			slog.Int("timers", p.wheel.Len()))
	}
}
