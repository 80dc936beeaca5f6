package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/autoupdate/internal/secmem"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// fakeServer upgrades one connection at a time, records every text message
// and answers eula requests with decide.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	decide func(componentID string) bool

	mu       sync.Mutex
	messages []map[string]any
	authz    string
	path     string
	conn     *websocket.Conn
}

func newFakeServer(t *testing.T, decide func(string) bool) *fakeServer {
	fs := &fakeServer{t: t, decide: decide}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.authz = r.Header.Get("Authorization")
		fs.path = r.URL.Path
		fs.conn = conn
		fs.mu.Unlock()
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			fs.mu.Lock()
			fs.messages = append(fs.messages, msg)
			fs.mu.Unlock()

			if msg["type"] == "eula_request" && fs.decide != nil {
				conn.WriteJSON(map[string]any{
					"type":      "eula_decision",
					"requestId": msg["requestId"],
					"accepted":  fs.decide(msg["componentId"].(string)),
				})
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) byType(typ string) []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []map[string]any
	for _, m := range fs.messages {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func startClient(t *testing.T, fs *fakeServer, handler CommandHandler) *Client {
	t.Helper()
	return startClientConfig(t, Config{ServerURL: fs.srv.URL, DeviceID: "3f2a1c9e-8d4b-4e3a-9c1f-0a5b6d7e8f90", AuthToken: secmem.New("secret")}, handler)
}

func startClientConfig(t *testing.T, cfg Config, handler CommandHandler) *Client {
	t.Helper()
	c := New(cfg, handler)
	go c.Start()
	t.Cleanup(c.Stop)

	select {
	case <-c.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClientDialsDeviceEndpointWithBearerToken(t *testing.T) {
	fs := newFakeServer(t, nil)
	startClient(t, fs, nil)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.authz != "Bearer secret" {
		t.Errorf("Authorization = %q", fs.authz)
	}
	if fs.path != "/api/v1/devices/3f2a1c9e-8d4b-4e3a-9c1f-0a5b6d7e8f90/updater/ws" {
		t.Errorf("path = %q", fs.path)
	}
}

func TestEulaGateRemoteDecision(t *testing.T) {
	fs := newFakeServer(t, func(id string) bool { return id == "agent" })
	gate := NewEulaGate(startClient(t, fs, nil))

	d, err := gate.Resolve(context.Background(), updater.Eula{ComponentID: "agent", Vendor: "Breeze", Text: "terms"})
	if err != nil || d != updater.EulaAccepted {
		t.Fatalf("agent: decision=%v err=%v", d, err)
	}
	d, err = gate.Resolve(context.Background(), updater.Eula{ComponentID: "toolbar", Text: "terms"})
	if err != nil || d != updater.EulaRejected {
		t.Fatalf("toolbar: decision=%v err=%v", d, err)
	}

	reqs := fs.byType("eula_request")
	if len(reqs) != 2 || reqs[0]["vendor"] != "Breeze" || reqs[0]["requestId"] == "" {
		t.Fatalf("unexpected requests: %v", reqs)
	}
}

func TestEulaGateContextCancelled(t *testing.T) {
	fs := newFakeServer(t, nil) // never answers
	gate := NewEulaGate(startClient(t, fs, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := gate.Resolve(ctx, updater.Eula{ComponentID: "agent", Text: "terms"})
	if err == nil || d != updater.EulaRejected {
		t.Fatalf("decision=%v err=%v", d, err)
	}
}

// licensedBackend offers one component that needs a license and records
// what it was asked to install.
type licensedBackend struct {
	mu        sync.Mutex
	installed []string
}

func (b *licensedBackend) ID() string { return "licensed" }

func (b *licensedBackend) Name() string { return "Licensed Backend" }

func (b *licensedBackend) Features() updater.Features { return updater.FeatureEula }

func (b *licensedBackend) CheckForUpdates(context.Context) ([]updater.Component, error) {
	return []updater.Component{{ID: "agent", AvailableVersion: "2.0.0"}}, nil
}

func (b *licensedBackend) RequiresEula(_ context.Context, c updater.Component) (*updater.Eula, error) {
	return &updater.Eula{ComponentID: c.ID, Vendor: "Breeze", Text: "terms"}, nil
}

func (b *licensedBackend) InstallComponents(_ context.Context, cs []updater.Component, sink updater.ProgressSink) updater.InstallOutcome {
	for _, c := range cs {
		b.mu.Lock()
		b.installed = append(b.installed, c.ID)
		b.mu.Unlock()
		sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusInstalled, Percent: 100})
	}
	return updater.InstallOutcome{}
}

func TestSilentServerRejectsLicenseAndFreesInstallSlot(t *testing.T) {
	fs := newFakeServer(t, nil) // never answers
	c := startClientConfig(t, Config{ServerURL: fs.srv.URL, EulaTimeout: 100 * time.Millisecond}, nil)

	b := &licensedBackend{}
	engine := updater.NewEngine(b, updater.Options{EulaGate: NewEulaGate(c)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := engine.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	res, err := engine.Install(ctx, []string{"agent"})
	if ctx.Err() != nil {
		t.Fatal("install session did not finish after the license timeout")
	}
	if err != nil || res.State != updater.StateCompleted {
		t.Fatalf("state=%s err=%v", res.State, err)
	}
	if len(res.Records) != 1 || res.Records[0].Status != updater.StatusCancelled {
		t.Fatalf("records: %+v", res.Records)
	}
	if updater.KindOf(res.Records[0].Err) != updater.KindEulaRejected {
		t.Fatalf("record err = %v, want eula_rejected", res.Records[0].Err)
	}
	b.mu.Lock()
	installed := b.installed
	b.mu.Unlock()
	if len(installed) != 0 {
		t.Fatalf("rejected component was installed: %v", installed)
	}
	if engine.ActiveInstall() != nil {
		t.Fatal("install slot still held")
	}
	if len(fs.byType("eula_request")) != 1 {
		t.Fatalf("eula requests: %v", fs.byType("eula_request"))
	}
}

func TestReporterForwardsEvents(t *testing.T) {
	fs := newFakeServer(t, nil)
	r := NewReporter(startClient(t, fs, nil))

	r.OnStateChanged(updater.StateEvent{SessionID: "s1", Kind: updater.SessionInstall, State: updater.StateInstalling})
	r.OnComponentProgress("s1", updater.ProgressRecord{ComponentID: "agent", Status: updater.StatusDownloading, Percent: 40})
	r.OnTerminal(updater.Result{
		SessionID: "s1",
		Kind:      updater.SessionInstall,
		State:     updater.StateFailed,
		Err:       updater.Errorf(updater.KindNetwork, "download", "connection reset"),
		Duration:  1500 * time.Millisecond,
	})

	waitFor(t, func() bool { return len(fs.byType("updater_result")) == 1 })

	state := fs.byType("updater_state")
	if len(state) != 1 || state[0]["state"] != "installing" || state[0]["sessionId"] != "s1" {
		t.Fatalf("state messages: %v", state)
	}
	progress := fs.byType("updater_progress")
	if len(progress) != 1 {
		t.Fatalf("progress messages: %v", progress)
	}
	rec := progress[0]["record"].(map[string]any)
	if rec["componentId"] != "agent" || rec["percent"] != float64(40) {
		t.Fatalf("record: %v", rec)
	}
	result := fs.byType("updater_result")[0]
	if result["errorKind"] != "network_error" || result["durationMs"] != float64(1500) {
		t.Fatalf("result: %v", result)
	}
}

func TestClientDispatchesCommands(t *testing.T) {
	fs := newFakeServer(t, nil)
	startClient(t, fs, func(cmd Command) CommandResult {
		return CommandResult{Status: "completed", Result: strings.ToUpper(cmd.Type)}
	})

	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if err := conn.WriteJSON(map[string]any{"id": "cmd-1", "type": "check_updates"}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	waitFor(t, func() bool { return len(fs.byType("command_result")) == 1 })
	res := fs.byType("command_result")[0]
	if res["commandId"] != "cmd-1" || res["result"] != "CHECK_UPDATES" {
		t.Fatalf("command result: %v", res)
	}
}

func TestStopWipesTokenAndRejectsSends(t *testing.T) {
	token := secmem.New("secret")
	c := New(Config{ServerURL: "http://127.0.0.1:1", AuthToken: token}, nil)
	c.Stop()
	if err := c.Send(map[string]string{"type": "x"}); err != ErrStopped {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if !token.IsZeroed() {
		t.Fatal("token not wiped on Stop")
	}
}
