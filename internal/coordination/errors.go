package coordination

import "errors"

var (
	ErrProtocolNotFound   = errors.New("protocol not found")
	ErrProtocolExpired    = errors.New("protocol expired")
	ErrActivationClosed   = errors.New("activation closed")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrSyncPointNotFound  = errors.New("sync point not found")
	ErrNotParticipant     = errors.New("agent is not a participant")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrNoAgents           = errors.New("no agents to coordinate")
	ErrDependencyCycle    = errors.New("dependency graph contains a cycle")
)
