package updater

import (
	"context"
	"errors"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

// InstallSession installs a chosen subset of the engine's last component set:
// Idle -> Preparing -> Installing -> Completed | PartiallyFailed | Failed |
// Cancelled.
type InstallSession struct {
	session

	components []Component
	order      []string
	records    map[string]*ProgressRecord
}

func newInstallSession(e *Engine) *InstallSession {
	s := &InstallSession{records: make(map[string]*ProgressRecord)}
	s.init(e, SessionInstall)
	return s
}

// Start validates the selection and begins installation on its own
// goroutine. Selections must be non-empty, free of duplicates and drawn from
// the engine's last component set (InvalidInput); only one install may run
// per engine and a session starts once (InvalidState).
func (s *InstallSession) Start(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return Errorf(KindInvalidState, "install", "session %s is %s", s.id, s.state)
	}
	selected, err := s.engine.Components().Select(ids)
	if err != nil {
		return err
	}
	if err := s.engine.acquireInstall(s); err != nil {
		return err
	}

	s.components = selected
	now := time.Now()
	for _, c := range selected {
		s.order = append(s.order, c.ID)
		s.records[c.ID] = &ProgressRecord{ComponentID: c.ID, Status: StatusPending, UpdatedAt: now}
	}
	s.beginLocked(StatePreparing)
	s.log.Info("installing updates", "components", len(selected), logging.KeyBackend, s.engine.backend.ID())

	go s.run()
	return nil
}

func (s *InstallSession) run() {
	ctx := s.token.Context()

	accepted := s.prepare(ctx)
	if ctx.Err() != nil {
		s.settle(InstallOutcome{}, true)
		s.finishInstall(StateCancelled, nil)
		return
	}
	if len(accepted) == 0 {
		s.log.Info("no components left to install after preparation")
		s.finishInstall(s.verdict(), nil)
		return
	}

	s.setState(StateInstalling)
	outcome, cancelled := s.install(ctx, accepted)
	s.settle(outcome, cancelled)
	if cancelled {
		s.finishInstall(StateCancelled, nil)
		return
	}
	s.finishInstall(s.verdict(), outcome.Fatal)
}

// prepare resolves license agreements and returns the components cleared for
// installation, in set order.
func (s *InstallSession) prepare(ctx context.Context) []Component {
	backend := s.engine.backend
	gate := s.engine.opts.EulaGate

	var accepted []Component
	for _, c := range s.components {
		if ctx.Err() != nil {
			return nil
		}

		eula, err := requiresEula(ctx, backend, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("license lookup failed", logging.KeyUpdateID, c.ID, logging.KeyError, err.Error())
			s.set(c.ID, StatusFailed, 0, "license lookup failed", ForComponent(classify("eula", err), c.ID))
			continue
		}
		if eula == nil {
			accepted = append(accepted, c)
			continue
		}
		if eula.ComponentID == "" {
			eula.ComponentID = c.ID
		}

		s.set(c.ID, StatusAwaitingEula, 0, "waiting for license agreement", nil)
		decision, err := resolveEula(ctx, gate, *eula)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("license agreement could not be resolved, treating as rejected",
				logging.KeyUpdateID, c.ID, logging.KeyError, err.Error())
			decision = EulaRejected
		}
		if decision == EulaAccepted {
			s.set(c.ID, StatusPending, 0, "license accepted", nil)
			accepted = append(accepted, c)
			continue
		}
		rejected := &Error{Kind: KindEulaRejected, Op: "eula", ComponentID: c.ID, Err: err}
		s.set(c.ID, StatusCancelled, 0, "license agreement rejected", rejected)
	}
	return accepted
}

// install runs the backend and waits for it, or for cancellation plus the
// grace period.
func (s *InstallSession) install(ctx context.Context, cs []Component) (InstallOutcome, bool) {
	backend := s.engine.backend
	outcomes := make(chan InstallOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				outcomes <- InstallOutcome{Fatal: Errorf(KindBackendFault, "install", "backend panicked: %v", p)}
			}
		}()
		outcomes <- backend.InstallComponents(ctx, cs, installSink{s})
	}()

	select {
	case outcome := <-outcomes:
		return outcome, false
	case <-ctx.Done():
	}

	grace := s.engine.opts.GracePeriod
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case outcome := <-outcomes:
		return outcome, true
	case <-timer.C:
		s.log.Warn("backend did not return within the cancellation grace period", "gracePeriod", grace.String())
		return InstallOutcome{}, true
	}
}

// settle moves every component the backend left unfinished to a terminal
// status.
func (s *InstallSession) settle(outcome InstallOutcome, cancelled bool) {
	for _, id := range s.order {
		rec, _ := s.Record(id)
		if rec.Status.Terminal() {
			continue
		}
		switch {
		case cancelled:
			s.set(id, StatusCancelled, rec.Percent, "cancelled", &Error{Kind: KindCancelled, Op: "install", ComponentID: id})
		case outcome.Fatal != nil:
			s.set(id, StatusFailed, rec.Percent, "installation aborted", ForComponent(outcome.Fatal, id))
		default:
			s.set(id, StatusFailed, rec.Percent, "no final status reported",
				&Error{Kind: KindBackendFault, Op: "install", ComponentID: id, Err: errors.New("backend returned without a final status")})
		}
	}
}

// verdict derives the terminal session state from component outcomes.
// Components cancelled by a rejected license only lower the verdict when
// something else was installed.
func (s *InstallSession) verdict() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	installed, failed := 0, 0
	for _, rec := range s.records {
		switch rec.Status {
		case StatusInstalled:
			installed++
		case StatusFailed:
			failed++
		}
	}
	switch {
	case installed == len(s.records):
		return StateCompleted
	case installed > 0:
		return StatePartiallyFailed
	case failed > 0:
		return StateFailed
	default:
		return StateCompleted
	}
}

func (s *InstallSession) finishInstall(state SessionState, fatal error) {
	res := Result{Records: s.Records()}
	switch {
	case state == StateCancelled:
		res.Err = s.token.Err()
	case fatal != nil:
		res.Err = classify("install", fatal)
	case state == StateFailed || state == StatePartiallyFailed:
		var errs []error
		for _, rec := range res.Records {
			if rec.Status == StatusFailed && rec.Err != nil {
				errs = append(errs, rec.Err)
			}
		}
		res.Err = errors.Join(errs...)
	}
	s.log.Info("install session finished", "state", string(state))
	s.finish(state, res, func() { s.engine.releaseInstall(s) })
}

// set records an engine-driven status change and publishes it.
func (s *InstallSession) set(id string, status Status, percent int, msg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || s.finished {
		return
	}
	rec.Status = status
	rec.Percent = percent
	rec.Message = msg
	rec.UpdatedAt = time.Now()
	rec.Err = err
	if err != nil {
		rec.Kind = KindOf(err)
	}
	s.publishLocked(rec)
}

func (s *InstallSession) publishLocked(rec *ProgressRecord) {
	snapshot := *rec
	s.disp.emit(event{progress: &snapshot})
}

// Records returns a snapshot of every component record in selection order.
func (s *InstallSession) Records() []ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProgressRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Record returns the current record of one component.
func (s *InstallSession) Record(id string) (ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ProgressRecord{}, false
	}
	return *rec, true
}

// FailedIDs lists components that ended Failed, for callers that want to
// retry them in a new session.
func (s *InstallSession) FailedIDs() []string {
	var ids []string
	for _, rec := range s.Records() {
		if rec.Status == StatusFailed {
			ids = append(ids, rec.ComponentID)
		}
	}
	return ids
}

// installSink validates backend progress before it reaches records and
// reporters.
type installSink struct {
	s *InstallSession
}

func (k installSink) Update(u ProgressUpdate) {
	s := k.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		s.log.Debug("dropping progress after session end", logging.KeyUpdateID, u.ComponentID)
		return
	}
	rec, ok := s.records[u.ComponentID]
	if !ok {
		s.log.Warn("backend reported progress for a component outside the session", logging.KeyUpdateID, u.ComponentID)
		return
	}
	if u.Status == StatusAwaitingEula {
		s.log.Warn("backend reported awaiting_eula, ignored", logging.KeyUpdateID, u.ComponentID)
		return
	}
	if !rec.Status.CanAdvanceTo(u.Status) {
		s.log.Warn("dropping out-of-order progress",
			logging.KeyUpdateID, u.ComponentID,
			"from", rec.Status.String(),
			"to", u.Status.String())
		return
	}

	percent := min(max(u.Percent, 0), 100)
	if u.Status == rec.Status && percent < rec.Percent {
		percent = rec.Percent
	}
	if u.Status == StatusInstalled {
		percent = 100
	}

	if u.Message != "" || u.Status != rec.Status {
		rec.Message = u.Message
	}
	rec.Status = u.Status
	rec.Percent = percent
	rec.UpdatedAt = time.Now()
	switch u.Status {
	case StatusFailed:
		err := u.Err
		if err == nil {
			err = errors.New("installation failed")
		}
		rec.Err = ForComponent(err, u.ComponentID)
		rec.Kind = KindOf(rec.Err)
	case StatusCancelled:
		err := u.Err
		if err == nil {
			err = ErrCancelled
		}
		rec.Err = ForComponent(err, u.ComponentID)
		rec.Kind = KindOf(rec.Err)
	default:
		rec.Err = nil
	}
	s.publishLocked(rec)
}

func requiresEula(ctx context.Context, b Backend, c Component) (eula *Eula, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Errorf(KindBackendFault, "eula", "backend panicked: %v", p)
		}
	}()
	return b.RequiresEula(ctx, c)
}

func resolveEula(ctx context.Context, gate EulaGate, eula Eula) (decision EulaDecision, err error) {
	defer func() {
		if p := recover(); p != nil {
			decision, err = EulaRejected, Errorf(KindBackendFault, "eula", "gate panicked: %v", p)
		}
	}()
	return gate.Resolve(ctx, eula)
}
