// Package workspace owns the local census state of one device: the entity
// stores of every kind, the sync orchestrator over them, and the state file
// they are persisted to.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hyperengineering/canopy/internal/config"
	"github.com/hyperengineering/canopy/internal/entity"
	"github.com/hyperengineering/canopy/internal/snapshot"
	csync "github.com/hyperengineering/canopy/internal/sync"
	"github.com/hyperengineering/canopy/internal/types"
)

// failuresBucket holds the failure surface next to the per-kind buckets.
const failuresBucket = "failures"

const metaDeviceID = "device_id"

// ErrBackupFailed is returned by Reset when the state could not be backed
// up and the reset was not forced.
var ErrBackupFailed = errors.New("state backup failed")

// StateStore persists named buckets. *persistence.SQLiteStore implements it.
type StateStore interface {
	Path() string
	Load(ctx context.Context) (map[string][]byte, error)
	Save(ctx context.Context, buckets map[string][]byte) error
	Purge(ctx context.Context) error
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context) error
	Close() error
}

// Deps are the collaborators of a Workspace.
type Deps struct {
	Backend  csync.Backend
	State    StateStore
	Uploader snapshot.Uploader
	Metrics  *csync.Metrics
	Logger   *slog.Logger
	// NewID overrides the client id generator of every store.
	NewID func() string
}

// collection is what the workspace needs from every store regardless of
// its entity type.
type collection interface {
	csync.Collection
	Counts() (entities, drafts, deletions int)
	LocalDelete(ids ...string) []string
	MarshalSnapshot() ([]byte, error)
	UnmarshalSnapshot(data []byte) error
	Reset()
	CheckInvariants() []string
}

// Workspace is the local census state of one device.
type Workspace struct {
	Forests          *entity.Store[types.Forest]
	Plots            *entity.Store[types.Plot]
	PlotCensuses     *entity.Store[types.PlotCensus]
	Trees            *entity.Store[types.Tree]
	TreeCensuses     *entity.Store[types.TreeCensus]
	TreeCensusLabels *entity.Store[types.TreeCensusLabel]
	TreePhotos       *entity.Store[types.TreePhoto]

	byKind   map[types.Kind]collection
	upsert   map[types.Kind]func([]byte) (string, error)
	orch     *csync.Orchestrator
	state    StateStore
	uploader snapshot.Uploader
	logger   *slog.Logger

	deviceID string

	// saveMu serializes writes of the state file.
	saveMu sync.Mutex
}

// New builds a workspace with empty stores. Call Init to load the persisted
// state.
func New(cfg *config.Config, deps Deps) (*Workspace, error) {
	if deps.Backend == nil {
		return nil, errors.New("workspace: backend is required")
	}
	if deps.State == nil {
		return nil, errors.New("workspace: state store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uploader := deps.Uploader
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}

	opts := []entity.Option{entity.WithLogger(logger)}
	if deps.NewID != nil {
		opts = append(opts, entity.WithIDGenerator(deps.NewID))
	}

	w := &Workspace{
		Forests:          newStore[types.Forest](types.KindForest, opts),
		Plots:            newStore[types.Plot](types.KindPlot, opts),
		PlotCensuses:     newStore[types.PlotCensus](types.KindPlotCensus, opts),
		Trees:            newStore[types.Tree](types.KindTree, opts),
		TreeCensuses:     newStore[types.TreeCensus](types.KindTreeCensus, opts),
		TreeCensusLabels: newStore[types.TreeCensusLabel](types.KindTreeCensusLabel, opts),
		TreePhotos:       newStore[types.TreePhoto](types.KindTreePhoto, opts),
		state:            deps.State,
		uploader:         uploader,
		logger:           logger.With("component", "workspace"),
		deviceID:         cfg.Client.DeviceID,
	}
	w.byKind = map[types.Kind]collection{
		types.KindForest:          w.Forests,
		types.KindPlot:            w.Plots,
		types.KindPlotCensus:      w.PlotCensuses,
		types.KindTree:            w.Trees,
		types.KindTreeCensus:      w.TreeCensuses,
		types.KindTreeCensusLabel: w.TreeCensusLabels,
		types.KindTreePhoto:       w.TreePhotos,
	}
	w.upsert = map[types.Kind]func([]byte) (string, error){
		types.KindForest:          upserter(w.Forests),
		types.KindPlot:            upserter(w.Plots),
		types.KindPlotCensus:      upserter(w.PlotCensuses),
		types.KindTree:            upserter(w.Trees),
		types.KindTreeCensus:      upserter(w.TreeCensuses),
		types.KindTreeCensusLabel: upserter(w.TreeCensusLabels),
		types.KindTreePhoto:       upserter(w.TreePhotos),
	}

	orchOpts := []csync.Option{
		csync.WithConcurrency(cfg.Sync.Concurrency),
		csync.WithLogger(logger),
	}
	if deps.Metrics != nil {
		orchOpts = append(orchOpts, csync.WithMetrics(deps.Metrics))
	}
	orch, err := csync.NewOrchestrator(deps.Backend, w.Collections(), orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	w.orch = orch
	return w, nil
}

func newStore[T entity.Record[T]](kind types.Kind, opts []entity.Option) *entity.Store[T] {
	info, _ := types.Lookup(kind)
	return entity.NewStore[T](string(kind), info.Indexes, opts...)
}

func upserter[T entity.Record[T]](s *entity.Store[T]) func([]byte) (string, error) {
	return func(payload []byte) (string, error) {
		e, err := s.UpsertJSON(payload)
		if err != nil {
			return "", err
		}
		return e.EntityID(), nil
	}
}

// Collections returns every store in dependency order.
func (w *Workspace) Collections() []csync.Collection {
	kinds := types.Kinds()
	out := make([]csync.Collection, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, w.byKind[kind])
	}
	return out
}

// Orchestrator returns the sync orchestrator over the stores.
func (w *Workspace) Orchestrator() *csync.Orchestrator {
	return w.orch
}

// Failures returns the failure surface of the last passes.
func (w *Workspace) Failures() *csync.FailureSurface {
	return w.orch.Failures()
}

// DeviceID returns the id backups of this device are filed under.
func (w *Workspace) DeviceID() string {
	return w.deviceID
}

// Init loads the persisted state into the stores and the failure surface.
// A missing bucket leaves its store empty.
func (w *Workspace) Init(ctx context.Context) error {
	if err := w.ensureDeviceID(ctx); err != nil {
		return err
	}

	buckets, err := w.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	loaded := 0
	for _, kind := range types.Kinds() {
		data, ok := buckets[string(kind)]
		if !ok {
			continue
		}
		if err := w.byKind[kind].UnmarshalSnapshot(data); err != nil {
			return fmt.Errorf("restore %s: %w", kind, err)
		}
		loaded++
	}
	if data, ok := buckets[failuresBucket]; ok {
		var entries []csync.KindFailures
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("restore failures: %w", err)
		}
		w.orch.Failures().Restore(entries)
	}

	w.logger.Info("state loaded",
		"action", "init",
		"path", w.state.Path(),
		"kinds", loaded,
		"failures", w.orch.Failures().Total(),
	)
	return nil
}

func (w *Workspace) ensureDeviceID(ctx context.Context) error {
	stored, ok, err := w.state.Meta(ctx, metaDeviceID)
	if err != nil {
		return err
	}
	switch {
	case w.deviceID != "":
		if stored != w.deviceID {
			return w.state.SetMeta(ctx, metaDeviceID, w.deviceID)
		}
	case ok:
		w.deviceID = stored
	default:
		w.deviceID = uuid.NewString()
		return w.state.SetMeta(ctx, metaDeviceID, w.deviceID)
	}
	return nil
}

// Save writes every store and the failure surface to the state file.
func (w *Workspace) Save(ctx context.Context) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	buckets := make(map[string][]byte, len(w.byKind)+1)
	for kind, c := range w.byKind {
		data, err := c.MarshalSnapshot()
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", kind, err)
		}
		buckets[string(kind)] = data
	}
	failures, err := json.Marshal(w.orch.Failures().Snapshot())
	if err != nil {
		return fmt.Errorf("snapshot failures: %w", err)
	}
	buckets[failuresBucket] = failures

	if err := w.state.Save(ctx, buckets); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Sync pushes every pending draft and deletion and saves the result, even
// when some kinds could not run.
func (w *Workspace) Sync(ctx context.Context) (csync.Report, error) {
	report, syncErr := w.orch.SyncAll(ctx)
	saveErr := w.Save(ctx)
	return report, errors.Join(syncErr, saveErr)
}

// Refresh pulls every kind from the server, keeping local drafts and
// deletions, and saves the result.
func (w *Workspace) Refresh(ctx context.Context) (map[types.Kind]int, error) {
	counts, refreshErr := w.orch.RefreshAll(ctx)
	saveErr := w.Save(ctx)
	return counts, errors.Join(refreshErr, saveErr)
}

// ResetResult describes a completed Reset.
type ResetResult struct {
	// BackupKey is the object key of the uploaded state, empty when no
	// backup was taken.
	BackupKey string `json:"backup_key,omitempty"`
	// Discarded counts the unsynced drafts and deletions that were dropped.
	Discarded int `json:"discarded"`
}

// Reset discards all local state, as on logout. The state file is first
// uploaded to backup storage when one is configured; a failed upload aborts
// the reset unless force is set.
func (w *Workspace) Reset(ctx context.Context, force bool) (ResetResult, error) {
	var result ResetResult
	for _, c := range w.byKind {
		_, drafts, deletions := c.Counts()
		result.Discarded += drafts + deletions
	}

	key, err := w.backup(ctx)
	switch {
	case err == nil:
		result.BackupKey = key
	case errors.Is(err, snapshot.ErrNotConfigured):
	case force:
		w.logger.Warn("state backup failed, resetting anyway",
			"action", "reset_forced",
			"error", err,
		)
	default:
		return result, fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}

	if err := w.orch.Reset(); err != nil {
		return result, err
	}
	for _, c := range w.byKind {
		c.Reset()
	}
	if err := w.state.Purge(ctx); err != nil {
		return result, fmt.Errorf("purge state: %w", err)
	}

	w.logger.Info("local state reset",
		"action", "reset",
		"backup_key", result.BackupKey,
		"discarded", result.Discarded,
	)
	return result, nil
}

func (w *Workspace) backup(ctx context.Context) (string, error) {
	if _, ok := w.uploader.(*snapshot.NoopUploader); ok {
		return "", snapshot.ErrNotConfigured
	}
	if err := w.Save(ctx); err != nil {
		return "", err
	}
	if err := w.state.Checkpoint(ctx); err != nil {
		return "", err
	}
	return w.uploader.Upload(ctx, w.deviceID, w.state.Path())
}

// BackupURL returns a download link for a backup taken by Reset.
func (w *Workspace) BackupURL(ctx context.Context, key string) (string, error) {
	link, _, err := w.uploader.PresignedURL(ctx, key)
	return link, err
}

// Teardown saves the state and closes the state file.
func (w *Workspace) Teardown(ctx context.Context) error {
	saveErr := w.Save(ctx)
	return errors.Join(saveErr, w.state.Close())
}

// KindStatus summarizes one kind.
type KindStatus struct {
	Kind           types.Kind `json:"kind"`
	Entities       int        `json:"entities"`
	Drafts         int        `json:"drafts"`
	LocalDeletions int        `json:"local_deletions"`
	Failed         int        `json:"failed"`
	State          string     `json:"state"`
}

// Status returns one line per kind in dependency order.
func (w *Workspace) Status() []KindStatus {
	out := make([]KindStatus, 0, len(w.byKind))
	for _, kind := range types.Kinds() {
		entities, drafts, deletions := w.byKind[kind].Counts()
		st := KindStatus{
			Kind:           kind,
			Entities:       entities,
			Drafts:         drafts,
			LocalDeletions: deletions,
		}
		st.State, _ = w.orch.State(kind)
		if f, ok := w.orch.Failures().Get(kind); ok {
			st.Failed = len(f.Drafts) + len(f.Deletions)
		}
		out = append(out, st)
	}
	return out
}

// Pending reports whether any kind has unsynced drafts or deletions.
func (w *Workspace) Pending() bool {
	for _, c := range w.byKind {
		if _, drafts, deletions := c.Counts(); drafts+deletions > 0 {
			return true
		}
	}
	return false
}

// Upsert stores a JSON document of kind as a local draft and returns its id.
// A document without an id gets a fresh client id.
func (w *Workspace) Upsert(kind types.Kind, payload []byte) (string, error) {
	fn, ok := w.upsert[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", csync.ErrUnknownKind, kind)
	}
	return fn(payload)
}

// Delete removes entities of kind on behalf of the user and returns the ids
// queued for deletion on the server.
func (w *Workspace) Delete(kind types.Kind, ids ...string) ([]string, error) {
	c, ok := w.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", csync.ErrUnknownKind, kind)
	}
	return c.LocalDelete(ids...), nil
}

// CheckInvariants reports consistency violations across every store,
// prefixed by kind.
func (w *Workspace) CheckInvariants() []string {
	var problems []string
	for _, kind := range types.Kinds() {
		for _, p := range w.byKind[kind].CheckInvariants() {
			problems = append(problems, string(kind)+": "+p)
		}
	}
	return problems
}
