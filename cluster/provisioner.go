package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Provisioner creates pools and waits for their nodes to be ready.
type Provisioner struct {
	client Client
	config Config
	clock  clock
	log    *slog.Logger
}

func NewProvisioner(client Client, config Config) (*Provisioner, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	return &Provisioner{
		client: client,
		config: config,
		clock:  systemClock{},
		log:    config.logger().With("component", "provisioner"),
	}, nil
}

// Provision creates the pool described by spec, or reuses an existing pool
// with the same id, and blocks until every node is either ready or failed.
// It returns the ready nodes, or a *ProvisionError if any node failed.
// The pool is never deleted here, even on failure.
func (p *Provisioner) Provision(ctx context.Context, spec PoolSpec) ([]Node, error) {
	start := p.clock.Now()
	fail := func(nodes []Node, err error) ([]Node, error) {
		return nil, &ProvisionError{PoolID: spec.ID, Nodes: nodes, Elapsed: p.clock.Now().Sub(start), Err: err}
	}

	if err := spec.Validate(); err != nil {
		return fail(nil, err)
	}
	if spec.ResizeTimeout == 0 {
		spec.ResizeTimeout = p.config.ResizeTimeout
	}
	if spec.TaskSlotsPerNode == 0 {
		spec.TaskSlotsPerNode = 1
	}

	log := p.log.With("pool", spec.ID)

	image, err := p.client.ResolveImage(ctx, spec.Image)
	if err != nil {
		return fail(nil, fmt.Errorf("failed to resolve image '%s': %w", spec.Image, err))
	}
	log.Debug("Resolved image", "image", image.Reference.String(), "agent", image.NodeAgentSKU)

	existing := false
	if err := p.client.CreatePool(ctx, spec, image); err != nil {
		if !errors.Is(err, ErrPoolExists) {
			return fail(nil, fmt.Errorf("failed to create pool: %w", err))
		}
		existing = true
		log.Info("Pool already exists, reusing it")
	} else {
		log.Info("Created pool", "nodes", spec.NodeCount, "vm-size", spec.VMSize)
	}
	p.config.emit(EventPoolCreated{Pool: spec.ID, Existing: existing})

	var nodes []Node
	err = poll(ctx, p.clock, p.config.PollInterval, p.config.ProvisionTimeout, func(ctx context.Context) (bool, error) {
		pool, err := p.client.GetPool(ctx, spec.ID)
		if err != nil {
			return false, fmt.Errorf("failed to get pool: %w", err)
		}
		if len(pool.ResizeErrors) > 0 {
			return false, fmt.Errorf("pool resize failed: %s", strings.Join(pool.ResizeErrors, "; "))
		}

		nodes, err = p.client.ListNodes(ctx, spec.ID)
		if err != nil {
			return false, fmt.Errorf("failed to list nodes: %w", err)
		}
		p.config.emit(EventNodesObserved{Pool: spec.ID, Nodes: nodes})

		// A listing shorter than the requested size is a stale read of a pool
		// still allocating, not a terminal state.
		if len(nodes) < spec.NodeCount {
			log.Debug("Waiting for nodes to be allocated", "allocated", len(nodes), "requested", spec.NodeCount)
			return false, nil
		}

		pending := lo.Filter(nodes, func(n Node, _ int) bool { return !n.State.Terminal() })
		if len(pending) > 0 {
			log.Debug("Waiting for nodes", "pending", len(pending), "states", nodeStates(nodes))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrDeadlineExceeded) {
			return fail(lo.Filter(nodes, func(n Node, _ int) bool { return !n.State.Ready() }), err)
		}
		return fail(nil, err)
	}

	failed := lo.Filter(nodes, func(n Node, _ int) bool { return !n.State.Ready() })
	if len(failed) > 0 {
		log.Error("Some nodes failed to start", "failed", len(failed), "states", nodeStates(nodes))
		return fail(failed, fmt.Errorf("%d of %d node(s) are not idle", len(failed), len(nodes)))
	}

	log.Info("Pool is ready", "nodes", len(nodes), "elapsed", p.clock.Now().Sub(start).Round(time.Second))
	p.config.emit(EventPoolReady{Pool: spec.ID, Nodes: nodes})
	return nodes, nil
}

func nodeStates(nodes []Node) map[NodeState]int {
	states := make(map[NodeState]int)
	for _, n := range nodes {
		states[n.State]++
	}
	return states
}
