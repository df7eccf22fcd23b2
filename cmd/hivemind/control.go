package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/natsbus"
	"github.com/mtzanidakis/hivemind/internal/swarm"
)

// controlHandler answers operator requests arriving over NATS.
func controlHandler(sw *swarm.Swarm) natsbus.ControlHandler {
	return func(ctx context.Context, req natsbus.ControlRequest) (any, error) {
		switch req.Type {
		case "status":
			return sw.Status(), nil

		case "spawn":
			agentType := payloadString(req.Payload, "type")
			if agentType == "" {
				agentType = sw.Config().Swarm.WorkerType
			}
			caps := payloadStrings(req.Payload, "capabilities")
			if len(caps) == 0 && agentType == sw.Config().Swarm.WorkerType {
				caps = sw.Config().Swarm.WorkerCapability
			}
			a, err := sw.Spawn(ctx, agentType, caps)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": a.ID, "state": string(a.State)}, nil

		case "terminate":
			id := payloadString(req.Payload, "id")
			if id == "" {
				return nil, errors.New("id is required")
			}
			grace, err := payloadDuration(req.Payload, "grace")
			if err != nil {
				return nil, err
			}
			return nil, sw.Engine().ForceTerminate(ctx, id, grace)

		case "terminate_swarm":
			grace, err := payloadDuration(req.Payload, "grace")
			if err != nil {
				return nil, err
			}
			n, err := sw.TerminateSwarm(ctx, grace)
			return map[string]int{"terminated": n}, err

		case "resolve":
			id, winner := payloadString(req.Payload, "id"), payloadString(req.Payload, "winner")
			if id == "" || winner == "" {
				return nil, errors.New("id and winner are required")
			}
			return sw.Coordination().ResolveEscalation(id, winner)

		case "set_work":
			raw, err := json.Marshal(req.Payload["work"])
			if err != nil {
				return nil, fmt.Errorf("encode work: %w", err)
			}
			var work coordination.WorkStructure
			if err := json.Unmarshal(raw, &work); err != nil {
				return nil, fmt.Errorf("decode work: %w", err)
			}
			sw.SetWork(work)
			return nil, sw.Coordinate(ctx)
		}
		return nil, fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadDuration(p map[string]any, key string) (time.Duration, error) {
	s := payloadString(p, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
