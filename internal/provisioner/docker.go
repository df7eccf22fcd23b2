package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/mtzanidakis/hivemind/internal/config"
)

const (
	labelManaged = "hivemind.managed"
	labelSwarm   = "hivemind.swarm"
	labelAgent   = "hivemind.agent"
)

// Docker runs one labelled container per agent.
type Docker struct {
	docker  *client.Client
	cfg     config.ProvisionerConfig
	swarmID string

	mu          sync.Mutex
	active      map[string]string // agentID → container ID
	networkName string
	live        func(string) bool
}

func NewDocker(cfg config.ProvisionerConfig, swarmID string) (*Docker, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{
		docker:  docker,
		cfg:     cfg,
		swarmID: swarmID,
		active:  make(map[string]string),
	}, nil
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	if d.networkName != "" || d.cfg.Network == "" {
		return nil
	}

	if _, err := d.docker.NetworkInspect(ctx, d.cfg.Network, network.InspectOptions{}); err == nil {
		d.networkName = d.cfg.Network
		return nil
	}

	if _, err := d.docker.NetworkCreate(ctx, d.cfg.Network, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", d.cfg.Network, err)
	}
	d.networkName = d.cfg.Network
	slog.Info("created docker network", "network", d.networkName)
	return nil
}

func (d *Docker) Allocate(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[agentID]; ok {
		return nil
	}
	if d.cfg.Capacity > 0 && len(d.active) >= d.cfg.Capacity {
		return fmt.Errorf("%w: %d containers running", ErrNoCapacity, len(d.active))
	}
	if err := d.ensureNetwork(ctx); err != nil {
		return err
	}

	name := containerName(d.swarmID, agentID)

	// A container left behind by a previous run would block the name.
	_ = d.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})

	containerCfg := &dockercontainer.Config{
		Image:  d.cfg.Image,
		Env:    []string{"AGENT_ID=" + agentID, "SWARM_ID=" + d.swarmID},
		Labels: containerLabels(d.swarmID, agentID),
	}
	hostCfg := &dockercontainer.HostConfig{}
	if d.networkName != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(d.networkName)
	}

	resp, err := d.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := d.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}

	d.active[agentID] = resp.ID
	slog.Info("agent container started", "agent", agentID, "container", shortID(resp.ID))
	return nil
}

func (d *Docker) Release(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.active[agentID]
	if !ok {
		return nil
	}

	timeout := 10
	if err := d.docker.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(id), "error", err)
	}
	if err := d.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}

	delete(d.active, agentID)
	slog.Info("agent container stopped", "agent", agentID)
	return nil
}

func (d *Docker) list(ctx context.Context) ([]dockercontainer.Summary, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")
	args.Add("label", labelSwarm+"="+d.swarmID)
	containers, err := d.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return containers, nil
}

// Orphans counts this swarm's containers that are not owned by a live
// allocation.
func (d *Docker) Orphans(ctx context.Context) (int, error) {
	containers, err := d.list(ctx)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(orphaned(containers, d.active, d.live)), nil
}

// RemoveOrphans force-removes orphaned containers and returns how many
// were removed.
func (d *Docker) RemoveOrphans(ctx context.Context) (int, error) {
	containers, err := d.list(ctx)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	stale := orphaned(containers, d.active, d.live)
	d.mu.Unlock()

	n := 0
	for _, c := range stale {
		slog.Info("removing orphaned container", "container", shortID(c.ID), "agent", c.Labels[labelAgent])
		if err := d.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("remove orphaned container", "container", shortID(c.ID), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (d *Docker) SetOwnerCheck(live func(string) bool) {
	d.mu.Lock()
	d.live = live
	d.mu.Unlock()
}

func (d *Docker) Close() error {
	return d.docker.Close()
}

// orphaned selects containers not tracked in active, or tracked for an
// agent that live reports dead.
func orphaned(containers []dockercontainer.Summary, active map[string]string, live func(string) bool) []dockercontainer.Summary {
	owned := make(map[string]string, len(active))
	for agentID, id := range active {
		owned[id] = agentID
	}
	var out []dockercontainer.Summary
	for _, c := range containers {
		agentID, ok := owned[c.ID]
		if !ok || (live != nil && !live(agentID)) {
			out = append(out, c)
		}
	}
	return out
}

func containerName(swarmID, agentID string) string {
	return fmt.Sprintf("hivemind-%s-%s", swarmID, agentID)
}

func containerLabels(swarmID, agentID string) map[string]string {
	return map[string]string{
		labelManaged: "true",
		labelSwarm:   swarmID,
		labelAgent:   agentID,
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
