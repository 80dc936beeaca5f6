package updater

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func stagedInstall(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
	for _, c := range cs {
		for _, st := range []Status{StatusDownloading, StatusVerifying, StatusInstalling, StatusInstalled} {
			sink.Update(ProgressUpdate{ComponentID: c.ID, Status: st, Percent: 50})
		}
	}
	return InstallOutcome{}
}

func TestInstallAllComponents(t *testing.T) {
	b := &fakeBackend{install: stagedInstall}
	e := checkedEngine(t, b, Options{}, "c1", "c2")
	rec := &recorder{}

	s := e.NewInstallSession()
	s.Subscribe(rec)
	if err := s.Start([]string{"c1", "c2"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s.Done())

	res, _ := s.Result()
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", res.State, res.Err)
	}
	for _, r := range res.Records {
		if r.Status != StatusInstalled || r.Percent != 100 {
			t.Errorf("%s: status %s percent %d, want installed 100", r.ComponentID, r.Status, r.Percent)
		}
	}

	want := []Status{StatusDownloading, StatusVerifying, StatusInstalling, StatusInstalled}
	if got := rec.statusesFor("c1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("c1 statuses = %v, want %v", got, want)
	}
	wantStates := []SessionState{StatePreparing, StateInstalling, StateCompleted}
	if got := rec.snapshotStates(); !reflect.DeepEqual(got, wantStates) {
		t.Fatalf("session states = %v, want %v", got, wantStates)
	}
}

func TestInstallSubsetOnlyReportsSelected(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		// A misbehaving backend reporting a component that was not selected.
		sink.Update(ProgressUpdate{ComponentID: "c3", Status: StatusInstalled})
		return stagedInstall(ctx, cs, sink)
	}}
	e := checkedEngine(t, b, Options{}, "c1", "c2", "c3")
	rec := &recorder{}

	res, err := e.Install(context.Background(), []string{"c2"}, rec)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].ComponentID != "c2" {
		t.Fatalf("records = %+v, want only c2", res.Records)
	}
	for _, p := range rec.progress {
		if p.ComponentID != "c2" {
			t.Fatalf("progress reported for unselected component %s", p.ComponentID)
		}
	}
	if calls := b.installCalls(); len(calls) != 1 || !reflect.DeepEqual(calls[0], []string{"c2"}) {
		t.Fatalf("backend install calls = %v, want [[c2]]", calls)
	}
}

func TestInstallEulaRejected(t *testing.T) {
	b := &fakeBackend{
		features: FeatureEula,
		eula: func(_ context.Context, c Component) (*Eula, error) {
			return &Eula{Vendor: "Acme", Text: "terms"}, nil
		},
	}
	e := checkedEngine(t, b, Options{EulaGate: RejectAllEulas}, "c1")
	rec := &recorder{}

	res, _ := e.Install(context.Background(), []string{"c1"}, rec)
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want completed", res.State)
	}
	r := res.Records[0]
	if r.Status != StatusCancelled || r.Kind != KindEulaRejected {
		t.Fatalf("record = %s/%s, want cancelled/eula_rejected", r.Status, r.Kind)
	}
	if !errors.Is(r.Err, ErrEulaRejected) {
		t.Fatalf("record err = %v, want eula rejected", r.Err)
	}
	if calls := b.installCalls(); len(calls) != 0 {
		t.Fatalf("rejected component must not reach the backend, got %v", calls)
	}
	want := []Status{StatusAwaitingEula, StatusCancelled}
	if got := rec.statusesFor("c1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

func TestInstallEulaRejectedAmongOthers(t *testing.T) {
	b := &fakeBackend{
		eula: func(_ context.Context, c Component) (*Eula, error) {
			if c.ID == "c2" {
				return &Eula{Text: "terms"}, nil
			}
			return nil, nil
		},
		install: stagedInstall,
	}
	var presented []string
	gate := EulaGateFunc(func(_ context.Context, eula Eula) (EulaDecision, error) {
		presented = append(presented, eula.ComponentID)
		return EulaRejected, nil
	})
	e := checkedEngine(t, b, Options{EulaGate: gate}, "c1", "c2")

	res, _ := e.Install(context.Background(), []string{"c1", "c2"})
	if res.State != StatePartiallyFailed {
		t.Fatalf("state = %s, want partially_failed", res.State)
	}
	if !reflect.DeepEqual(presented, []string{"c2"}) {
		t.Fatalf("gate saw %v, want [c2]", presented)
	}
	if calls := b.installCalls(); len(calls) != 1 || !reflect.DeepEqual(calls[0], []string{"c1"}) {
		t.Fatalf("install calls = %v, want [[c1]]", calls)
	}
}

func TestInstallEulaAccepted(t *testing.T) {
	b := &fakeBackend{
		eula: func(_ context.Context, c Component) (*Eula, error) {
			return &Eula{Text: "terms"}, nil
		},
		install: stagedInstall,
	}
	e := checkedEngine(t, b, Options{EulaGate: AcceptAllEulas}, "c1")
	rec := &recorder{}

	res, _ := e.Install(context.Background(), []string{"c1"}, rec)
	if res.State != StateCompleted || res.Records[0].Status != StatusInstalled {
		t.Fatalf("got %s / %s, want completed / installed", res.State, res.Records[0].Status)
	}
	got := rec.statusesFor("c1")
	if len(got) < 2 || got[0] != StatusAwaitingEula || got[1] != StatusPending {
		t.Fatalf("statuses = %v, want awaiting_eula then pending first", got)
	}
}

func TestInstallEulaGateErrorRejects(t *testing.T) {
	b := &fakeBackend{eula: func(context.Context, Component) (*Eula, error) {
		return &Eula{Text: "terms"}, nil
	}}
	gate := EulaGateFunc(func(context.Context, Eula) (EulaDecision, error) {
		return EulaAccepted, errors.New("prompt closed")
	})
	e := checkedEngine(t, b, Options{EulaGate: gate}, "c1")

	res, _ := e.Install(context.Background(), []string{"c1"})
	if r := res.Records[0]; r.Status != StatusCancelled || r.Kind != KindEulaRejected {
		t.Fatalf("record = %s/%s, want cancelled/eula_rejected", r.Status, r.Kind)
	}
}

func TestInstallEulaLookupFailure(t *testing.T) {
	b := &fakeBackend{
		eula: func(_ context.Context, c Component) (*Eula, error) {
			if c.ID == "c1" {
				return nil, errors.New("catalog unavailable")
			}
			return nil, nil
		},
		install: stagedInstall,
	}
	e := checkedEngine(t, b, Options{}, "c1", "c2")

	res, _ := e.Install(context.Background(), []string{"c1", "c2"})
	if res.State != StatePartiallyFailed {
		t.Fatalf("state = %s, want partially_failed", res.State)
	}
	if r := res.Records[0]; r.Status != StatusFailed || r.Kind != KindBackendFault {
		t.Fatalf("c1 = %s/%s, want failed/backend_fault", r.Status, r.Kind)
	}
}

func TestInstallPartialFailure(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusDownloading})
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusFailed,
			Err: NewError(KindNetwork, "download", errors.New("connection reset"))})
		sink.Update(ProgressUpdate{ComponentID: "c2", Status: StatusInstalled})
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{}, "c1", "c2")

	s := e.NewInstallSession()
	if err := s.Start([]string{"c1", "c2"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s.Done())

	res, _ := s.Result()
	if res.State != StatePartiallyFailed {
		t.Fatalf("state = %s, want partially_failed", res.State)
	}
	c1, _ := s.Record("c1")
	if c1.Status != StatusFailed || c1.Kind != KindNetwork || c1.Err == nil {
		t.Fatalf("c1 = %+v, want failed network error", c1)
	}
	if !reflect.DeepEqual(s.FailedIDs(), []string{"c1"}) {
		t.Fatalf("FailedIDs = %v, want [c1]", s.FailedIDs())
	}
	if !errors.Is(res.Err, ErrNetwork) {
		t.Fatalf("result err = %v, want to include the network error", res.Err)
	}
}

func TestInstallAllFailed(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusFailed,
			Err: NewError(KindHashMismatch, "verify", nil)})
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{}, "c1")

	res, _ := e.Install(context.Background(), []string{"c1"})
	if res.State != StateFailed || res.Records[0].Kind != KindHashMismatch {
		t.Fatalf("got %s / %s, want failed / hash_mismatch", res.State, res.Records[0].Kind)
	}
}

func TestInstallBatchFatal(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		return InstallOutcome{Fatal: errors.New("could not get lock /var/lib/dpkg/lock-frontend")}
	}}
	e := checkedEngine(t, b, Options{}, "c1", "c2")

	res, err := e.Install(context.Background(), []string{"c1", "c2"})
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if err == nil || KindOf(err) != KindBackendFault {
		t.Fatalf("err = %v, want backend fault", err)
	}
	for _, r := range res.Records {
		if r.Status != StatusFailed {
			t.Errorf("%s status = %s, want failed", r.ComponentID, r.Status)
		}
	}
}

func TestInstallBackendWithoutFinalStatus(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusDownloading, Percent: 40})
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{}, "c1")

	res, _ := e.Install(context.Background(), []string{"c1"})
	r := res.Records[0]
	if r.Status != StatusFailed || r.Kind != KindBackendFault || r.Percent != 40 {
		t.Fatalf("record = %+v, want failed backend fault at 40%%", r)
	}
}

func TestInstallSinkDropsOutOfOrderAndFinalUpdates(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusVerifying})
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusDownloading})
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusInstalled})
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusFailed})
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{}, "c1")
	rec := &recorder{}

	res, _ := e.Install(context.Background(), []string{"c1"}, rec)
	if res.Records[0].Status != StatusInstalled {
		t.Fatalf("status = %s, want installed", res.Records[0].Status)
	}
	want := []Status{StatusVerifying, StatusInstalled}
	if got := rec.statusesFor("c1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

func TestInstallCancelledDuringDownload(t *testing.T) {
	downloading := make(chan struct{})
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		sink.Update(ProgressUpdate{ComponentID: cs[0].ID, Status: StatusDownloading, Percent: 10})
		close(downloading)
		<-ctx.Done()
		sink.Update(ProgressUpdate{ComponentID: cs[0].ID, Status: StatusCancelled, Err: ctx.Err()})
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{}, "c1")

	s := e.NewInstallSession()
	if err := s.Start([]string{"c1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-downloading
	s.Cancel()
	waitDone(t, s.Done())

	res, _ := s.Result()
	if res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", res.State)
	}
	if r := res.Records[0]; r.Status != StatusCancelled || r.Kind != KindCancelled {
		t.Fatalf("record = %s/%s, want cancelled/cancelled", r.Status, r.Kind)
	}
}

func TestInstallCancelWithStalledBackendUsesGracePeriod(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		sink.Update(ProgressUpdate{ComponentID: "c1", Status: StatusInstalling})
		close(started)
		<-release
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{GracePeriod: 30 * time.Millisecond}, "c1", "c2")

	s := e.NewInstallSession()
	if err := s.Start([]string{"c1", "c2"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	s.Cancel()
	waitDone(t, s.Done())

	if s.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", s.State())
	}
	for _, r := range s.Records() {
		if r.Status != StatusCancelled {
			t.Errorf("%s = %s, want cancelled", r.ComponentID, r.Status)
		}
	}
	if e.ActiveInstall() != nil {
		t.Fatal("engine should release the install slot")
	}
}

func TestInstallCancelledWhileAwaitingEula(t *testing.T) {
	b := &fakeBackend{eula: func(context.Context, Component) (*Eula, error) {
		return &Eula{Text: "terms"}, nil
	}}
	prompted := make(chan struct{})
	gate := EulaGateFunc(func(ctx context.Context, _ Eula) (EulaDecision, error) {
		close(prompted)
		<-ctx.Done()
		return EulaRejected, ctx.Err()
	})
	e := checkedEngine(t, b, Options{EulaGate: gate}, "c1")

	s := e.NewInstallSession()
	if err := s.Start([]string{"c1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-prompted
	s.Cancel()
	waitDone(t, s.Done())

	res, _ := s.Result()
	if res.State != StateCancelled || res.Records[0].Status != StatusCancelled {
		t.Fatalf("got %s / %s, want cancelled / cancelled", res.State, res.Records[0].Status)
	}
	if res.Records[0].Kind != KindCancelled {
		t.Fatalf("kind = %s, want cancelled rather than eula_rejected", res.Records[0].Kind)
	}
}

func TestInstallSelectionValidation(t *testing.T) {
	e := NewEngine(&fakeBackend{check: staticCheck("c1", "c2")}, Options{})

	if err := e.NewInstallSession().Start([]string{"c1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("before any check: err = %v, want invalid input", err)
	}
	if _, err := e.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	cases := map[string][]string{
		"empty":     nil,
		"duplicate": {"c1", "c1"},
		"unknown":   {"c1", "nope"},
	}
	for name, ids := range cases {
		s := e.NewInstallSession()
		if err := s.Start(ids); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want invalid input", name, err)
		}
		if s.State() != StateIdle {
			t.Errorf("%s: state = %s, want idle", name, s.State())
		}
	}
}

func TestSecondInstallIsRejected(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		<-release
		return stagedInstall(ctx, cs, sink)
	}}
	e := checkedEngine(t, b, Options{}, "c1", "c2")

	first := e.NewInstallSession()
	if err := first.Start([]string{"c1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.NewInstallSession().Start([]string{"c2"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start err = %v, want invalid state", err)
	}

	// Checks and installs are independent.
	if _, err := e.Check(context.Background()); err != nil {
		t.Fatalf("Check during install: %v", err)
	}

	close(release)
	waitDone(t, first.Done())
}

func TestInstallUsesCopiesOfComponents(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		cs[0].AvailableVersion = "mutated"
		return stagedInstall(ctx, cs, sink)
	}}
	e := checkedEngine(t, b, Options{}, "c1")
	if _, err := e.Install(context.Background(), []string{"c1"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	c, _ := e.Components().Get("c1")
	if c.AvailableVersion != "2.0.0" {
		t.Fatalf("component set was mutated: %s", c.AvailableVersion)
	}
}

func TestEngineCloseCancelsActiveInstall(t *testing.T) {
	b := &fakeBackend{install: func(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome {
		<-ctx.Done()
		return InstallOutcome{}
	}}
	e := checkedEngine(t, b, Options{}, "c1")

	s := e.NewInstallSession()
	if err := s.Start([]string{"c1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", s.State())
	}
}
