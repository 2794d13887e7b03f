package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/canopy/internal/entity"
	"github.com/hyperengineering/canopy/internal/types"
)

var errBoom = errors.New("boom")

type call struct {
	op   string
	kind types.Kind
	id   string
	body map[string]any
}

// fakeBackend is an in-memory Backend. Creates get ids srv-1, srv-2, ...
type fakeBackend struct {
	mu     sync.Mutex
	calls  []call
	nextID int

	// failIDs fails updates and deletes of these ids.
	failIDs map[string]bool
	// failTags fails creates whose body carries one of these tags.
	failTags map[string]bool
	lists    map[types.Kind][][]byte
	listErr  error

	// When gate is set, every backend call signals entered and then waits
	// for gate to close.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failIDs:  map[string]bool{},
		failTags: map[string]bool{},
		lists:    map[types.Kind][][]byte{},
	}
}

func (b *fakeBackend) wait() {
	if b.gate == nil {
		return
	}
	b.entered <- struct{}{}
	<-b.gate
}

func (b *fakeBackend) record(c call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
}

func (b *fakeBackend) callsFor(op string) []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []call
	for _, c := range b.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) List(_ context.Context, kind types.Kind, _ map[string]string) ([][]byte, error) {
	b.wait()
	b.record(call{op: "list", kind: kind})
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.lists[kind], nil
}

func (b *fakeBackend) Create(_ context.Context, kind types.Kind, body []byte) ([]byte, error) {
	b.wait()
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	b.record(call{op: "create", kind: kind, body: doc})

	if tag, _ := doc["tag"].(string); b.failTags[tag] {
		return nil, fmt.Errorf("create %s: %w", tag, errBoom)
	}
	b.mu.Lock()
	b.nextID++
	doc["id"] = fmt.Sprintf("srv-%d", b.nextID)
	b.mu.Unlock()
	return json.Marshal(doc)
}

func (b *fakeBackend) Update(_ context.Context, kind types.Kind, id string, body []byte) ([]byte, error) {
	b.wait()
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	b.record(call{op: "update", kind: kind, id: id, body: doc})
	if b.failIDs[id] {
		return nil, fmt.Errorf("update %s: %w", id, errBoom)
	}
	doc["id"] = id
	doc["number"] = 100 // server-side field proving the response was merged
	return json.Marshal(doc)
}

func (b *fakeBackend) Delete(_ context.Context, kind types.Kind, id string) error {
	b.wait()
	b.record(call{op: "delete", kind: kind, id: id})
	if b.failIDs[id] {
		return fmt.Errorf("delete %s: %w", id, errBoom)
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	backend *fakeBackend
	plots   *entity.Store[types.Plot]
	trees   *entity.Store[types.Tree]
	orch    *Orchestrator
}

func newFixture(opts ...Option) (*fixture, error) {
	f := &fixture{
		backend: newFakeBackend(),
		plots:   entity.NewStore[types.Plot](string(types.KindPlot), []string{types.IndexByForest}, entity.WithLogger(quietLogger())),
		trees:   entity.NewStore[types.Tree](string(types.KindTree), []string{types.IndexByPlot, types.IndexByTag}, entity.WithLogger(quietLogger())),
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	orch, err := NewOrchestrator(f.backend, []Collection{f.trees, f.plots}, opts...)
	if err != nil {
		return nil, err
	}
	f.orch = orch
	return f, nil
}
