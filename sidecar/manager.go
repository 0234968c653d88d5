// Package sidecar materializes port forwards as relay containers.
//
// Every relay has a deterministic name, pf-<workspace>-<container_port>,
// and Create always removes whatever holds that name (or the same host
// port) before starting a new relay. Repeated or racing Create calls for a
// port therefore converge on a single live relay; the last to finish owns
// it.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/everydev1618/dcw/rules"
)

// removeAttempts bounds how often RemoveAll retries a single relay.
const removeAttempts = 3

// Name returns the relay name for a container port of a workspace.
func Name(workspace string, containerPort uint16) string {
	return fmt.Sprintf("pf-%s-%d", workspace, containerPort)
}

// Forward is an active forward as seen by List.
type Forward struct {
	Name          string
	HostPort      uint16
	ContainerPort uint16
	Origin        rules.Origin
}

// Manager creates and removes the relays of one workspace.
type Manager struct {
	engine    Engine
	store     rules.Store
	workspace string
	target    string
	image     string
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTarget sets the development container relays forward to. Required
// for Create.
func WithTarget(containerID string) Option {
	return func(m *Manager) {
		m.target = containerID
	}
}

// WithImage overrides the relay image.
func WithImage(image string) Option {
	return func(m *Manager) {
		if image != "" {
			m.image = image
		}
	}
}

// NewManager creates a Manager for workspace.
func NewManager(engine Engine, store rules.Store, workspace string, opts ...Option) *Manager {
	m := &Manager{
		engine:    engine,
		store:     store,
		workspace: workspace,
		image:     DefaultImage,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prefix returns the relay name prefix of the workspace.
func (m *Manager) Prefix() string { return "pf-" + m.workspace + "-" }

func (m *Manager) workspaceLabels() map[string]string {
	return map[string]string{
		LabelRole:      RoleRelay,
		LabelWorkspace: m.workspace,
	}
}

// ResolveNetwork returns the first network the target container reports.
// With several attached networks the choice is whatever the runtime lists
// first; no better heuristic is attempted.
func (m *Manager) ResolveNetwork(ctx context.Context) (Network, error) {
	if m.target == "" {
		return Network{}, fmt.Errorf("%w: no target container", ErrNetworkNotFound)
	}
	networks, err := m.engine.ContainerNetworks(ctx, m.target)
	if err != nil {
		return Network{}, fmt.Errorf("failed to inspect container %s: %w", m.target, err)
	}
	if len(networks) == 0 {
		return Network{}, fmt.Errorf("%w: container %s", ErrNetworkNotFound, m.target)
	}
	n := networks[0]
	if n.IPAddress == "" {
		return Network{}, fmt.Errorf("%w: container %s has no address on network %s", ErrNetworkNotFound, m.target, n.Name)
	}
	return n, nil
}

// Create forwards 127.0.0.1:hostPort on the host to containerPort in the
// target container. An existing relay with the same name or host port is
// torn down first, so calling Create twice leaves exactly one relay.
func (m *Manager) Create(ctx context.Context, hostPort, containerPort uint16, origin rules.Origin) (rules.ForwardRule, error) {
	if hostPort == 0 || containerPort == 0 {
		return rules.ForwardRule{}, fmt.Errorf("invalid port mapping %d:%d", hostPort, containerPort)
	}

	network, err := m.ResolveNetwork(ctx)
	if err != nil {
		return rules.ForwardRule{}, err
	}

	name := Name(m.workspace, containerPort)
	if err := m.clear(ctx, name, hostPort); err != nil {
		return rules.ForwardRule{}, err
	}

	spec := RelaySpec{
		Name:     name,
		Image:    m.image,
		Network:  network.Name,
		HostPort: hostPort,
		Cmd: []string{
			fmt.Sprintf("TCP-LISTEN:%d,fork,reuseaddr", hostPort),
			fmt.Sprintf("TCP:%s:%d", network.IPAddress, containerPort),
		},
		Labels: map[string]string{
			LabelRole:      RoleRelay,
			LabelWorkspace: m.workspace,
			LabelPort:      strconv.Itoa(int(containerPort)),
			LabelHostPort:  strconv.Itoa(int(hostPort)),
			LabelOrigin:    string(origin),
		},
	}

	if _, err := m.engine.RunRelay(ctx, spec); err != nil {
		// The previous relay for this port is already gone.
		if derr := m.store.Delete(m.workspace, hostPort); derr != nil {
			slog.Warn("failed to drop rule after relay failure", "port", hostPort, "error", derr)
		}
		return rules.ForwardRule{}, fmt.Errorf("%w: %s: %w", ErrRelayCreateFailed, name, err)
	}

	rule := rules.ForwardRule{
		Workspace:     m.workspace,
		HostPort:      hostPort,
		ContainerPort: containerPort,
		SidecarID:     name,
		Origin:        origin,
		CreatedAt:     m.now(),
	}
	if err := m.store.Put(rule); err != nil {
		// A relay without a rule would be invisible to Reconcile.
		if rerr := m.removeContainer(ctx, name); rerr != nil {
			slog.Warn("failed to remove relay after rule write failure", "name", name, "error", rerr)
		}
		return rules.ForwardRule{}, fmt.Errorf("failed to record rule for relay %s: %w", name, err)
	}
	slog.Debug("relay started", "name", name, "host_port", hostPort, "container_port", containerPort, "network", network.Name)
	return rule, nil
}

// clear removes every relay that would conflict with a new relay called
// name on hostPort, and drops rules that pointed at them.
func (m *Manager) clear(ctx context.Context, name string, hostPort uint16) error {
	if err := m.removeContainer(ctx, name); err != nil {
		return fmt.Errorf("failed to replace relay %s: %w", name, err)
	}

	labels := m.workspaceLabels()
	labels[LabelHostPort] = strconv.Itoa(int(hostPort))
	holders, err := m.engine.ListContainers(ctx, labels)
	if err != nil {
		return fmt.Errorf("failed to list relays: %w", err)
	}
	for _, r := range holders {
		if r.Name == name {
			continue
		}
		if err := m.removeContainer(ctx, r.ID); err != nil {
			return fmt.Errorf("failed to replace relay %s on port %d: %w", r.Name, hostPort, err)
		}
	}

	// Another host port forwarded to the same container port used this name.
	existing, err := m.store.List(m.workspace)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if rule.SidecarID == name && rule.HostPort != hostPort {
			if err := m.store.Delete(m.workspace, rule.HostPort); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeContainer removes a container, treating absence as success.
func (m *Manager) removeContainer(ctx context.Context, nameOrID string) error {
	err := m.engine.RemoveContainer(ctx, nameOrID)
	if err == nil || errors.Is(err, ErrRelayNotFound) {
		return nil
	}
	return err
}

// Remove stops forwarding hostPort. Removing a forward that does not exist
// succeeds.
func (m *Manager) Remove(ctx context.Context, hostPort uint16) error {
	names, err := m.relaysForHostPort(ctx, hostPort)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.removeContainer(ctx, name); err != nil {
			return fmt.Errorf("failed to remove relay %s: %w", name, err)
		}
	}
	return m.store.Delete(m.workspace, hostPort)
}

// relaysForHostPort finds the relays serving hostPort: the recorded rule,
// any relay labelled with the host port, and finally the name derived
// from hostPort itself (the watcher forwards port N to port N).
func (m *Manager) relaysForHostPort(ctx context.Context, hostPort uint16) ([]string, error) {
	rule, err := m.store.Get(m.workspace, hostPort)
	switch {
	case err == nil:
		return []string{rule.SidecarID}, nil
	case !errors.Is(err, rules.ErrRuleNotFound):
		return nil, err
	}

	labels := m.workspaceLabels()
	labels[LabelHostPort] = strconv.Itoa(int(hostPort))
	relays, err := m.engine.ListContainers(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}
	if len(relays) > 0 {
		names := make([]string, 0, len(relays))
		for _, r := range relays {
			names = append(names, r.Name)
		}
		return names, nil
	}
	return []string{Name(m.workspace, hostPort)}, nil
}

// List returns the forwards whose relays exist for this workspace. Origin
// comes from the rule store when known, otherwise from the relay label.
func (m *Manager) List(ctx context.Context) ([]Forward, error) {
	relays, err := m.relays(ctx)
	if err != nil {
		return nil, err
	}
	known, err := m.store.List(m.workspace)
	if err != nil {
		return nil, err
	}
	byHost := make(map[uint16]rules.ForwardRule, len(known))
	for _, r := range known {
		byHost[r.HostPort] = r
	}

	forwards := make([]Forward, 0, len(relays))
	for _, r := range relays {
		f := Forward{
			Name:          r.Name,
			HostPort:      labelPort(r.Labels[LabelHostPort]),
			ContainerPort: labelPort(r.Labels[LabelPort]),
		}
		if rule, ok := byHost[f.HostPort]; ok && rule.SidecarID == r.Name {
			f.Origin = rule.Origin
		} else if o, err := rules.ParseOrigin(r.Labels[LabelOrigin]); err == nil {
			f.Origin = o
		}
		forwards = append(forwards, f)
	}
	return forwards, nil
}

// relays lists the workspace's relay containers. The name prefix is
// checked as well as the labels.
func (m *Manager) relays(ctx context.Context) ([]Relay, error) {
	all, err := m.engine.ListContainers(ctx, m.workspaceLabels())
	if err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}
	prefix := m.Prefix()
	out := all[:0]
	for _, r := range all {
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	return out, nil
}

// RemoveAll removes every relay of the workspace. Each relay is retried a
// few times; relays that still cannot be removed are reported together
// and the rest are removed regardless.
func (m *Manager) RemoveAll(ctx context.Context) error {
	relays, err := m.relays(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range relays {
		if err := m.removeWithRetry(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", r.Name, err))
			continue
		}
		if p := labelPort(r.Labels[LabelHostPort]); p != 0 {
			if err := m.store.Delete(m.workspace, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) == 0 {
		if err := m.store.DeleteAll(m.workspace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) removeWithRetry(ctx context.Context, r Relay) error {
	var err error
	for attempt := 1; attempt <= removeAttempts; attempt++ {
		if err = m.removeContainer(ctx, r.ID); err == nil {
			return nil
		}
		slog.Warn("relay removal failed", "name", r.Name, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// RemoveByOrigin removes the forwards created with the given origin.
func (m *Manager) RemoveByOrigin(ctx context.Context, origin rules.Origin) error {
	forwards, err := m.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range forwards {
		if f.Origin != origin {
			continue
		}
		if err := m.Remove(ctx, f.HostPort); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconcile syncs the rule store with the relays that actually exist.
// Relays run with auto-remove, so a relay that dies takes its container
// with it; the rules naming such relays are dropped. It returns the host
// ports whose rules were removed.
func (m *Manager) Reconcile(ctx context.Context) ([]uint16, error) {
	relays, err := m.relays(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(relays))
	for _, r := range relays {
		live[r.Name] = true
	}

	known, err := m.store.List(m.workspace)
	if err != nil {
		return nil, err
	}
	var dropped []uint16
	for _, rule := range known {
		if live[rule.SidecarID] {
			continue
		}
		if err := m.store.Delete(m.workspace, rule.HostPort); err != nil {
			return dropped, err
		}
		slog.Debug("dropped rule for missing relay", "host_port", rule.HostPort, "relay", rule.SidecarID)
		dropped = append(dropped, rule.HostPort)
	}
	return dropped, nil
}

func labelPort(s string) uint16 {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}
