package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/canopy/internal/types"
)

// DefaultConcurrency bounds the backend calls in flight during one pass.
const DefaultConcurrency = 4

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency sets the number of concurrent backend calls per pass.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithFailureSurface shares a failure surface with the caller.
func WithFailureSurface(f *FailureSurface) Option {
	return func(o *Orchestrator) {
		o.failures = f
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator runs sync passes. Each kind has its own state machine, so
// passes of different kinds may run at the same time while a second pass
// of the same kind is refused.
type Orchestrator struct {
	backend     Backend
	order       []types.Kind
	collections map[types.Kind]Collection
	machines    map[types.Kind]*fsm.FSM
	failures    *FailureSurface
	metrics     *Metrics
	concurrency int
	logger      *slog.Logger

	// guard makes the syncing check and the start transition one step.
	guard sync.Mutex
}

// NewOrchestrator creates an orchestrator over collections. Collections are
// named by kind and may be given in any order; passes always follow the
// dependency order of the kinds.
func NewOrchestrator(backend Backend, collections []Collection, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		backend:     backend,
		collections: make(map[types.Kind]Collection, len(collections)),
		machines:    make(map[types.Kind]*fsm.FSM, len(collections)),
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.failures == nil {
		o.failures = NewFailureSurface()
	}
	o.logger = o.logger.With("component", "sync")

	for _, c := range collections {
		kind, err := types.ParseKind(c.Name())
		if err != nil {
			return nil, fmt.Errorf("register collection: %w", err)
		}
		if _, dup := o.collections[kind]; dup {
			return nil, fmt.Errorf("register collection: duplicate kind %s", kind)
		}
		o.collections[kind] = c
		o.machines[kind] = newMachine()
	}
	for _, kind := range types.Kinds() {
		if _, ok := o.collections[kind]; ok {
			o.order = append(o.order, kind)
		}
	}
	return o, nil
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle, StatePartialFailure}, Dst: StateSyncing},
			{Name: eventSucceed, Src: []string{StateSyncing}, Dst: StateIdle},
			{Name: eventFail, Src: []string{StateSyncing}, Dst: StatePartialFailure},
			{Name: eventAcknowledge, Src: []string{StatePartialFailure}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// Failures returns the failure surface the orchestrator records into.
func (o *Orchestrator) Failures() *FailureSurface {
	return o.failures
}

// Kinds returns the registered kinds in dependency order.
func (o *Orchestrator) Kinds() []types.Kind {
	return append([]types.Kind(nil), o.order...)
}

// State returns the sync state of kind.
func (o *Orchestrator) State(kind types.Kind) (string, error) {
	m, ok := o.machines[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return m.Current(), nil
}

// Acknowledge dismisses the failures of kind and returns it to idle.
func (o *Orchestrator) Acknowledge(kind types.Kind) error {
	m, ok := o.machines[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	o.guard.Lock()
	defer o.guard.Unlock()
	if m.Is(StateSyncing) {
		return fmt.Errorf("%w: %s", ErrSyncInProgress, kind)
	}
	if m.Is(StatePartialFailure) {
		if err := m.Event(context.Background(), eventAcknowledge); err != nil {
			return fmt.Errorf("acknowledge %s: %w", kind, err)
		}
	}
	o.failures.Clear(kind)
	return nil
}

// Reset returns every kind to idle and empties the failure surface. It
// refuses while any kind is syncing or refreshing.
func (o *Orchestrator) Reset() error {
	o.guard.Lock()
	defer o.guard.Unlock()
	for _, kind := range o.order {
		if o.machines[kind].Is(StateSyncing) {
			return fmt.Errorf("%w: %s", ErrSyncInProgress, kind)
		}
	}
	for _, kind := range o.order {
		o.machines[kind].SetState(StateIdle)
	}
	o.failures.Reset()
	return nil
}

// SyncAll runs one pass per kind in dependency order. Ids the server
// assigned to created parents are applied to every collection before the
// children are pushed. A kind that is already syncing is skipped and
// reported in the returned error; the other kinds still run.
func (o *Orchestrator) SyncAll(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	for _, kind := range o.order {
		kr, err := o.SyncKind(ctx, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Kinds = append(report.Kinds, kr)
	}
	return report, errors.Join(errs...)
}

// SyncKind runs one pass over kind: every draft is created or updated and
// every local deletion is deleted on the backend. Per-item failures are
// recorded in the failure surface and never returned. Only a pass that
// cannot start returns an error.
func (o *Orchestrator) SyncKind(ctx context.Context, kind types.Kind) (KindReport, error) {
	c, ok := o.collections[kind]
	if !ok {
		return KindReport{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	m := o.machines[kind]
	logger := o.logger.With("kind", string(kind))

	o.guard.Lock()
	if m.Is(StateSyncing) {
		o.guard.Unlock()
		o.metrics.pass(kind, "rejected")
		return KindReport{}, fmt.Errorf("%w: %s", ErrSyncInProgress, kind)
	}
	pending, err := c.Pending()
	if err != nil {
		o.guard.Unlock()
		return KindReport{}, fmt.Errorf("snapshot %s: %w", kind, err)
	}
	if pending.Empty() {
		o.guard.Unlock()
		o.metrics.pass(kind, "skipped")
		return KindReport{Kind: kind, Skipped: true}, nil
	}
	if err := m.Event(context.Background(), eventStart); err != nil {
		o.guard.Unlock()
		return KindReport{}, fmt.Errorf("%w: %s: %v", ErrSyncInProgress, kind, err)
	}
	o.guard.Unlock()

	start := time.Now()
	logger.Info("sync pass started",
		"action", "sync_start",
		"drafts", len(pending.Drafts),
		"deletions", len(pending.Deletions),
	)

	p := &pass{kind: kind, remap: make(map[string]string)}
	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)

	for _, d := range pending.Drafts {
		if parent := o.unsyncedReference(d.References); parent != "" {
			p.failDraft(d.ID, fmt.Errorf("%w: %s", ErrParentUnsynced, parent))
			continue
		}
		g.Go(func() error {
			o.pushDraft(ctx, c, p, d.ID, d.Create, d.Generation, d.Payload)
			return nil
		})
	}
	for _, id := range pending.Deletions {
		g.Go(func() error {
			err := o.backend.Delete(ctx, kind, id)
			o.metrics.item(kind, "delete", err)
			if err != nil {
				p.failDeletion(id, err)
				return nil
			}
			c.ConfirmDeletion(id)
			p.deleted()
			return nil
		})
	}
	_ = g.Wait()

	if len(p.remap) > 0 {
		for _, other := range o.order {
			o.collections[other].RemapReferences(p.remap)
		}
	}

	report := p.report()
	report.Duration = time.Since(start)
	o.failures.Record(kind, report.FailedDrafts, report.FailedDeletions, p.reasons)
	o.metrics.observe(kind, report.Duration, len(report.FailedDrafts), len(report.FailedDeletions))

	outcome, event := "ok", eventSucceed
	if report.Failed() > 0 {
		outcome, event = StatePartialFailure, eventFail
	}
	if err := m.Event(context.Background(), event); err != nil {
		logger.Error("sync state transition failed", "action", "sync_transition", "event", event, "error", err)
		m.SetState(StatePartialFailure)
	}
	o.metrics.pass(kind, outcome)

	logger.Info("sync pass finished",
		"action", "sync_done",
		"created", report.Created,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"failed_drafts", len(report.FailedDrafts),
		"failed_deletions", len(report.FailedDeletions),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (o *Orchestrator) pushDraft(ctx context.Context, c Collection, p *pass, id string, create bool, generation uint64, payload []byte) {
	if create {
		resp, err := o.backend.Create(ctx, p.kind, payload)
		o.metrics.item(p.kind, "create", err)
		if err != nil {
			p.failDraft(id, err)
			return
		}
		serverID, err := c.ConfirmCreate(id, generation, resp)
		if err != nil {
			p.failDraft(id, err)
			return
		}
		p.created(id, serverID)
		return
	}

	resp, err := o.backend.Update(ctx, p.kind, id, payload)
	o.metrics.item(p.kind, "update", err)
	if err != nil {
		p.failDraft(id, err)
		return
	}
	if err := c.ConfirmUpdate(id, generation, resp); err != nil {
		p.failDraft(id, err)
		return
	}
	p.updated()
}

// unsyncedReference returns the first referenced id that only exists as a
// local pending create, or "".
func (o *Orchestrator) unsyncedReference(refs []string) string {
	for _, ref := range refs {
		for _, kind := range o.order {
			if o.collections[kind].IsPendingCreate(ref) {
				return ref
			}
		}
	}
	return ""
}

// Refresh replaces the confirmed entities of kind with the server list,
// keeping drafts and pending deletions. It shares the syncing guard with
// SyncKind and leaves the sync state as it found it.
func (o *Orchestrator) Refresh(ctx context.Context, kind types.Kind, filter map[string]string) (int, error) {
	c, ok := o.collections[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	m := o.machines[kind]

	o.guard.Lock()
	prev := m.Current()
	if err := m.Event(context.Background(), eventStart); err != nil {
		o.guard.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrSyncInProgress, kind)
	}
	o.guard.Unlock()
	defer m.SetState(prev)

	payloads, err := o.backend.List(ctx, kind, filter)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", kind, err)
	}
	n, err := c.ApplyServer(payloads, true)
	if err != nil {
		return 0, fmt.Errorf("apply %s: %w", kind, err)
	}
	o.logger.Info("refreshed from server", "action", "refresh", "kind", string(kind), "count", n)
	return n, nil
}

// RefreshAll refreshes every kind in dependency order and stops at the
// first error.
func (o *Orchestrator) RefreshAll(ctx context.Context) (map[types.Kind]int, error) {
	counts := make(map[types.Kind]int, len(o.order))
	for _, kind := range o.order {
		n, err := o.Refresh(ctx, kind, nil)
		if err != nil {
			return counts, err
		}
		counts[kind] = n
	}
	return counts, nil
}

// pass collects the results of one sync pass from concurrent workers.
type pass struct {
	kind types.Kind

	mu              sync.Mutex
	nCreated        int
	nUpdated        int
	nDeleted        int
	failedDrafts    []string
	failedDeletions []string
	reasons         map[string]string
	remap           map[string]string
}

func (p *pass) created(localID, serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nCreated++
	if serverID != localID {
		p.remap[localID] = serverID
	}
}

func (p *pass) updated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nUpdated++
}

func (p *pass) deleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nDeleted++
}

func (p *pass) failDraft(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedDrafts = append(p.failedDrafts, id)
	p.reason(id, err)
}

func (p *pass) failDeletion(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedDeletions = append(p.failedDeletions, id)
	p.reason(id, err)
}

func (p *pass) reason(id string, err error) {
	if p.reasons == nil {
		p.reasons = make(map[string]string)
	}
	p.reasons[id] = err.Error()
}

func (p *pass) report() KindReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	sort.Strings(p.failedDrafts)
	sort.Strings(p.failedDeletions)
	r := KindReport{
		Kind:            p.kind,
		Created:         p.nCreated,
		Updated:         p.nUpdated,
		Deleted:         p.nDeleted,
		FailedDrafts:    p.failedDrafts,
		FailedDeletions: p.failedDeletions,
	}
	if len(p.remap) > 0 {
		r.Remapped = make(map[string]string, len(p.remap))
		for k, v := range p.remap {
			r.Remapped[k] = v
		}
	}
	return r
}
