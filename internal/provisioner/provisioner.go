// Package provisioner backs each agent with an execution slot: an
// in-process reservation or a labelled Docker container.
package provisioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/hivemind/internal/config"
)

var ErrNoCapacity = errors.New("provisioner capacity exhausted")

// Provisioner allocates and releases agent slots and reports slots that
// no live agent owns.
type Provisioner interface {
	Allocate(ctx context.Context, agentID string) error
	Release(ctx context.Context, agentID string) error
	Orphans(ctx context.Context) (int, error)
	// SetOwnerCheck installs the liveness test used by Orphans.
	SetOwnerCheck(live func(agentID string) bool)
	Close() error
}

func New(cfg config.ProvisionerConfig, swarmID string) (Provisioner, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(cfg.Capacity), nil
	case "docker":
		return NewDocker(cfg, swarmID)
	}
	return nil, fmt.Errorf("unknown provisioner driver %q", cfg.Driver)
}
