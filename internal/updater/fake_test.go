package updater

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeBackend lets each test script the three backend calls.
type fakeBackend struct {
	id       string
	features Features

	check   func(ctx context.Context) ([]Component, error)
	eula    func(ctx context.Context, c Component) (*Eula, error)
	install func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome

	mu          sync.Mutex
	checkCalls  int
	installed   [][]string
	eulaQueries []string
}

func (f *fakeBackend) ID() string {
	if f.id == "" {
		return "fake"
	}
	return f.id
}

func (f *fakeBackend) Name() string { return "Fake Backend" }

func (f *fakeBackend) Features() Features { return f.features }

func (f *fakeBackend) CheckForUpdates(ctx context.Context) ([]Component, error) {
	f.mu.Lock()
	f.checkCalls++
	f.mu.Unlock()
	if f.check == nil {
		return nil, nil
	}
	return f.check(ctx)
}

func (f *fakeBackend) RequiresEula(ctx context.Context, c Component) (*Eula, error) {
	f.mu.Lock()
	f.eulaQueries = append(f.eulaQueries, c.ID)
	f.mu.Unlock()
	if f.eula == nil {
		return nil, nil
	}
	return f.eula(ctx, c)
}

func (f *fakeBackend) InstallComponents(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.ID)
	}
	f.mu.Lock()
	f.installed = append(f.installed, ids)
	f.mu.Unlock()
	if f.install == nil {
		for _, c := range cs {
			sink.Update(ProgressUpdate{ComponentID: c.ID, Status: StatusInstalled})
		}
		return InstallOutcome{}
	}
	return f.install(ctx, cs, sink)
}

func (f *fakeBackend) installCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.installed...)
}

func components(ids ...string) []Component {
	out := make([]Component, 0, len(ids))
	for _, id := range ids {
		out = append(out, Component{ID: id, Name: "Component " + id, AvailableVersion: "2.0.0", InstalledVersion: "1.0.0"})
	}
	return out
}

func staticCheck(ids ...string) func(context.Context) ([]Component, error) {
	return func(context.Context) ([]Component, error) {
		return components(ids...), nil
	}
}

// recorder captures reporter events in delivery order.
type recorder struct {
	mu       sync.Mutex
	states   []SessionState
	progress []ProgressRecord
	terminal []Result
}

func (r *recorder) OnStateChanged(ev StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
}

func (r *recorder) OnComponentProgress(_ string, rec ProgressRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, rec)
}

func (r *recorder) OnTerminal(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = append(r.terminal, res)
}

func (r *recorder) statusesFor(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, rec := range r.progress {
		if rec.ComponentID == id {
			out = append(out, rec.Status)
		}
	}
	return out
}

func (r *recorder) snapshotStates() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.states...)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

// checkedEngine returns an engine whose last component set holds ids.
func checkedEngine(t *testing.T, b *fakeBackend, opts Options, ids ...string) *Engine {
	t.Helper()
	if b.check == nil {
		b.check = staticCheck(ids...)
	}
	e := NewEngine(b, opts)
	if _, err := e.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got := e.Components().Len(); got != len(ids) {
		t.Fatalf("component set has %d entries, want %d", got, len(ids))
	}
	return e
}
