package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

type eulaRequest struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	DeviceID    string `json:"deviceId,omitempty"`
	ComponentID string `json:"componentId"`
	Vendor      string `json:"vendor,omitempty"`
	Text        string `json:"text"`
}

type eulaDecision struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
}

const defaultEulaTimeout = 5 * time.Minute

// EulaGate asks the management server to accept or reject a license. Resolve
// blocks until the server replies, Config.EulaTimeout passes or ctx ends. An
// unreachable or silent server is an error, which the engine treats as a
// rejection.
type EulaGate struct {
	client  *Client
	timeout time.Duration
}

func NewEulaGate(c *Client) *EulaGate {
	timeout := c.config.EulaTimeout
	if timeout <= 0 {
		timeout = defaultEulaTimeout
	}
	return &EulaGate{client: c, timeout: timeout}
}

func (g *EulaGate) Resolve(ctx context.Context, eula updater.Eula) (updater.EulaDecision, error) {
	req := eulaRequest{
		Type:        "eula_request",
		RequestID:   uuid.NewString(),
		DeviceID:    g.client.config.DeviceID,
		ComponentID: eula.ComponentID,
		Vendor:      eula.Vendor,
		Text:        eula.Text,
	}

	reply, cancel := g.client.replies.expect(req.RequestID)
	defer cancel()

	if err := g.client.Send(req); err != nil {
		return updater.EulaRejected, fmt.Errorf("send eula request: %w", err)
	}
	log.Info("waiting for remote license decision", "componentId", eula.ComponentID, "requestId", req.RequestID)

	wait, stop := context.WithTimeout(ctx, g.timeout)
	defer stop()

	select {
	case <-wait.Done():
		if ctx.Err() == nil && errors.Is(wait.Err(), context.DeadlineExceeded) {
			log.Warn("no remote license decision, rejecting", "componentId", eula.ComponentID,
				"requestId", req.RequestID, "timeout", g.timeout.String())
			return updater.EulaRejected, fmt.Errorf("no license decision within %s", g.timeout)
		}
		return updater.EulaRejected, ctx.Err()
	case <-g.client.done:
		return updater.EulaRejected, ErrStopped
	case raw := <-reply:
		var d eulaDecision
		if err := json.Unmarshal(raw, &d); err != nil {
			return updater.EulaRejected, fmt.Errorf("decode eula decision: %w", err)
		}
		if d.Type != "eula_decision" {
			return updater.EulaRejected, fmt.Errorf("unexpected reply type %q", d.Type)
		}
		if d.Accepted {
			return updater.EulaAccepted, nil
		}
		return updater.EulaRejected, nil
	}
}
