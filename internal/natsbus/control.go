package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// TopicControl is the request/reply subject operators use to drive a
// running swarm.
func TopicControl(swarmID string) string {
	return fmt.Sprintf("control.%s", swarmID)
}

type ControlRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ControlResponse struct {
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ControlHandler answers one control request. The returned value is
// JSON-encoded into the response data.
type ControlHandler func(ctx context.Context, req ControlRequest) (any, error)

// ServeControl answers control requests for swarmID until the returned
// subscription is drained or the client closes.
func (c *Client) ServeControl(ctx context.Context, swarmID string, handler ControlHandler) (*nats.Subscription, error) {
	return c.Subscribe(TopicControl(swarmID), func(msg *nats.Msg) {
		var req ControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, ControlResponse{Error: fmt.Sprintf("invalid request: %v", err)})
			return
		}

		v, err := handler(ctx, req)
		if err != nil {
			slog.Warn("control request failed", "type", req.Type, "error", err)
			respond(msg, ControlResponse{Error: err.Error()})
			return
		}
		resp := ControlResponse{OK: true}
		if v != nil {
			data, err := json.Marshal(v)
			if err != nil {
				respond(msg, ControlResponse{Error: fmt.Sprintf("encode response: %v", err)})
				return
			}
			resp.Data = data
		}
		respond(msg, resp)
	})
}

func respond(msg *nats.Msg, resp ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("respond to control request", "subject", msg.Subject, "error", err)
	}
}
