package websocket

import (
	"errors"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// Reporter forwards session events to the management server. Events are
// dropped, with a warning, while the send buffer is full or the client is
// stopped; sessions never block on the network.
type Reporter struct {
	client *Client
}

func NewReporter(c *Client) *Reporter {
	return &Reporter{client: c}
}

type stateMessage struct {
	Type string `json:"type"`
	updater.StateEvent
}

type progressMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId"`
	Record    updater.ProgressRecord `json:"record"`
}

type componentSummary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	InstalledVersion string `json:"installedVersion,omitempty"`
	AvailableVersion string `json:"availableVersion"`
	Size             int64  `json:"size,omitempty"`
}

type resultMessage struct {
	Type       string                   `json:"type"`
	SessionID  string                   `json:"sessionId"`
	Kind       updater.SessionKind      `json:"kind"`
	State      updater.SessionState     `json:"state"`
	Updates    []componentSummary       `json:"updates,omitempty"`
	Records    []updater.ProgressRecord `json:"records,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ErrorKind  string                   `json:"errorKind,omitempty"`
	DurationMs int64                    `json:"durationMs"`
	FinishedAt time.Time                `json:"finishedAt"`
}

func (r *Reporter) OnStateChanged(ev updater.StateEvent) {
	r.send(stateMessage{Type: "updater_state", StateEvent: ev})
}

func (r *Reporter) OnComponentProgress(sessionID string, rec updater.ProgressRecord) {
	r.send(progressMessage{Type: "updater_progress", SessionID: sessionID, Record: rec})
}

func (r *Reporter) OnTerminal(res updater.Result) {
	msg := resultMessage{
		Type:       "updater_result",
		SessionID:  res.SessionID,
		Kind:       res.Kind,
		State:      res.State,
		Records:    res.Records,
		DurationMs: res.Duration.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	if res.Components != nil {
		for _, c := range res.Components.Components() {
			msg.Updates = append(msg.Updates, componentSummary{
				ID:               c.ID,
				Name:             c.DisplayName(),
				InstalledVersion: c.InstalledVersion,
				AvailableVersion: c.AvailableVersion,
				Size:             c.Size,
			})
		}
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
		msg.ErrorKind = updater.KindOf(res.Err).String()
	}
	r.send(msg)
}

func (r *Reporter) send(v any) {
	if err := r.client.Send(v); err != nil && !errors.Is(err, ErrStopped) {
		log.Warn("dropping updater event", logging.KeyError, err.Error())
	}
}
