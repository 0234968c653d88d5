package sidecar

import (
	"context"
	"errors"
)

var (
	// ErrNetworkNotFound means the target container has no attached
	// network (or no address on it) for a relay to join.
	ErrNetworkNotFound = errors.New("container has no attached network")

	// ErrRelayCreateFailed means the container engine rejected the relay,
	// for example because the host port is already bound.
	ErrRelayCreateFailed = errors.New("relay create failed")

	// ErrRelayNotFound is returned by Engine.RemoveContainer for a missing
	// container. Manager.Remove treats it as success.
	ErrRelayNotFound = errors.New("relay not found")
)

// Labels attached to every relay container.
const (
	LabelRole      = "dcw.role"
	LabelWorkspace = "dcw.workspace"
	LabelPort      = "dcw.port"
	LabelHostPort  = "dcw.host_port"
	LabelOrigin    = "dcw.origin"

	RoleRelay = "port-forward"
)

// DefaultImage is the relay image: a socat build that proxies bytes verbatim.
const DefaultImage = "alpine/socat"

// Network is one network a container is attached to.
type Network struct {
	Name      string
	IPAddress string
}

// RelaySpec describes a relay container to run.
type RelaySpec struct {
	Name     string
	Image    string
	Cmd      []string
	Network  string
	HostPort uint16 // published on 127.0.0.1:HostPort, same port inside the relay
	Labels   map[string]string
}

// Relay is a relay container as reported by the engine.
type Relay struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Engine is the container runtime surface the Manager drives.
type Engine interface {
	// ContainerNetworks returns the networks of a container in the order
	// the runtime reports them.
	ContainerNetworks(ctx context.Context, containerID string) ([]Network, error)

	// RunRelay creates and starts a relay container and returns its ID.
	RunRelay(ctx context.Context, spec RelaySpec) (string, error)

	// RemoveContainer force-removes a container by name or ID. It returns
	// ErrRelayNotFound when there is nothing to remove.
	RemoveContainer(ctx context.Context, nameOrID string) error

	// ListContainers returns running and stopped containers carrying all
	// of the given labels.
	ListContainers(ctx context.Context, labels map[string]string) ([]Relay, error)
}
