package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/coordination"
)

// actionUnresponsive is the timeout action of a missed heartbeat.
const actionUnresponsive = "marked_unresponsive"

var ErrNoProtocol = errors.New("no active protocol")

// SetWork records the work structure the swarm coordinates around. The
// next coordination pass regenerates the protocol.
func (s *Swarm) SetWork(work coordination.WorkStructure) {
	s.mu.Lock()
	s.work = work
	s.hasWork = true
	s.dirty = true
	s.mu.Unlock()
}

func (s *Swarm) Work() (coordination.WorkStructure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.work, s.hasWork
}

func (s *Swarm) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Current returns the protocol and activation the swarm is running.
func (s *Swarm) Current() (*coordination.Protocol, *coordination.Activation, error) {
	s.mu.Lock()
	pid, aid := s.protocolID, s.activationID
	s.mu.Unlock()
	if pid == "" {
		return nil, nil, ErrNoProtocol
	}
	p, err := s.coord.Get(pid)
	if err != nil {
		return nil, nil, err
	}
	act, ok := s.coord.Activation(aid)
	if !ok {
		return p, nil, ErrNoProtocol
	}
	return p, act, nil
}

// Coordinate is one pass of the coordination loop: it brings the
// protocol in line with the Active agents, then sweeps timeouts and
// conflicts.
func (s *Swarm) Coordinate(ctx context.Context) error {
	err := s.reconcile()

	rep := s.coord.Sweep(ctx)
	for _, t := range rep.Timeouts {
		if t.Action != actionUnresponsive {
			continue
		}
		for _, id := range t.Missing {
			if err := s.engine.MarkUnresponsive(id); err != nil {
				slog.Debug("mark unresponsive", "agent", id, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.lastSweep = rep
	if slices.Contains(rep.Expired, s.protocolID) {
		s.protocolID, s.activationID = "", ""
		s.dirty = true
	}
	s.mu.Unlock()
	return err
}

func (s *Swarm) reconcile() error {
	s.mu.Lock()
	work, hasWork, dirty, current := s.work, s.hasWork, s.dirty, s.protocolID
	s.dirty = false
	s.mu.Unlock()

	if !hasWork || !dirty {
		return nil
	}

	var active []string
	for _, a := range s.reg.ListState(agent.StateActive) {
		active = append(active, a.ID)
	}
	if len(active) == 0 {
		s.retire(current)
		return nil
	}

	p, err := s.coord.Ensure(work, active)
	if err != nil {
		s.markDirty()
		return fmt.Errorf("ensure protocol: %w", err)
	}
	if p.ID == current {
		if _, _, err := s.Current(); err == nil {
			return nil
		}
	} else {
		s.retire(current)
	}

	act, err := s.coord.Activate(p.ID, nil)
	if err != nil {
		s.markDirty()
		return fmt.Errorf("activate protocol: %w", err)
	}

	s.mu.Lock()
	s.protocolID, s.activationID = p.ID, act.ID
	s.mu.Unlock()
	slog.Info("protocol activated", "protocol", p.ID, "pattern", p.Pattern, "agents", len(active))
	return nil
}

// retire invalidates a superseded protocol along with its activations.
func (s *Swarm) retire(protocolID string) {
	if protocolID == "" {
		return
	}
	if err := s.coord.Invalidate(protocolID); err != nil && !errors.Is(err, coordination.ErrProtocolNotFound) {
		slog.Warn("invalidate protocol", "protocol", protocolID, "error", err)
	}
	s.mu.Lock()
	if s.protocolID == protocolID {
		s.protocolID, s.activationID = "", ""
	}
	s.mu.Unlock()
}

// teamLeaderDecision settles a conflict whose participants share a team
// leader in the topology: the participant with the fewest pending tasks
// wins.
func (s *Swarm) teamLeaderDecision(_ context.Context, rec coordination.ConflictRecord) (string, error) {
	act, ok := s.coord.Activation(rec.ActivationID)
	if !ok {
		return "", fmt.Errorf("activation %s is gone", rec.ActivationID)
	}
	topo := act.Protocol().Topology

	leader := ""
	for _, id := range rec.Participants {
		l, ok := topo.LeaderOf(id)
		if !ok {
			l = id
		}
		if leader != "" && l != leader {
			return "", errors.New("participants have no common team leader")
		}
		leader = l
	}

	best, load := "", -1
	for _, id := range rec.Participants {
		a, err := s.reg.Get(id)
		if err != nil {
			continue
		}
		if n := len(a.PendingTasks); load < 0 || n < load {
			best, load = id, n
		}
	}
	if best == "" {
		return "", errors.New("no live participant")
	}
	return best, nil
}

// coordinatorDecision awards the conflict to the participant with the
// best success rate.
func (s *Swarm) coordinatorDecision(_ context.Context, rec coordination.ConflictRecord) (string, error) {
	best, rate := "", -1.0
	for _, id := range rec.Participants {
		a, err := s.reg.Get(id)
		if err != nil {
			continue
		}
		if a.Performance.SuccessRate > rate {
			best, rate = id, a.Performance.SuccessRate
		}
	}
	if best == "" {
		return "", errors.New("no live participant")
	}
	return best, nil
}
