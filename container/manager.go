// Package container talks to the Docker Engine API on behalf of the
// port-forwarding engine: it runs and removes relay containers, inspects
// the development container's networks, and executes commands inside it.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/everydev1618/dcw/sidecar"
)

// LabelLocalFolder is set by the devcontainer CLI on the containers it starts.
const LabelLocalFolder = "devcontainer.local_folder"

// Manager handles Docker operations for one CLI or watcher process.
type Manager struct {
	client *client.Client
	host   string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHost pins the Docker daemon address instead of probing DOCKER_HOST
// and the usual socket locations.
func WithHost(host string) ManagerOption {
	return func(m *Manager) {
		m.host = host
	}
}

// NewManager connects to the Docker daemon.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	cli, err := createDockerClient(m.host)
	if err != nil {
		return nil, err
	}
	m.client = cli
	return m, nil
}

// createDockerClient creates a Docker client, trying multiple socket locations
// for compatibility with Docker Desktop on macOS.
func createDockerClient(host string) (*client.Client, error) {
	if host != "" {
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		if err := ping(cli); err != nil {
			cli.Close()
			return nil, fmt.Errorf("could not connect to Docker daemon at %s: %w", host, err)
		}
		return cli, nil
	}

	// First try with environment settings (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if err := ping(cli); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock", // Docker Desktop macOS
		"unix:///var/run/docker.sock",                               // Linux default
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",     // Colima
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		if err := ping(cli); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

func ping(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

// ContainerNetworks returns the networks of a container sorted by name,
// the order `docker inspect` templates iterate them in.
func (m *Manager) ContainerNetworks(ctx context.Context, containerID string) ([]sidecar.Network, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return nil, nil
	}
	return sortedNetworks(inspect.NetworkSettings.Networks), nil
}

func sortedNetworks(endpoints map[string]*network.EndpointSettings) []sidecar.Network {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]sidecar.Network, 0, len(names))
	for _, name := range names {
		n := sidecar.Network{Name: name}
		if ep := endpoints[name]; ep != nil {
			n.IPAddress = ep.IPAddress
		}
		out = append(out, n)
	}
	return out
}

// RunRelay creates and starts a relay container. The container removes
// itself when it stops.
func (m *Manager) RunRelay(ctx context.Context, spec sidecar.RelaySpec) (string, error) {
	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	exposed, bindings := portBindings(spec.HostPort)

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   true,
		NetworkMode:  container.NetworkMode(spec.Network),
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {},
		},
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// portBindings publishes hostPort/tcp of the relay on 127.0.0.1:hostPort.
func portBindings(hostPort uint16) (nat.PortSet, nat.PortMap) {
	port := nat.Port(strconv.Itoa(int(hostPort)) + "/tcp")
	exposed := nat.PortSet{port: struct{}{}}
	bindings := nat.PortMap{
		port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(int(hostPort))}},
	}
	return exposed, bindings
}

// RemoveContainer force-removes a container.
func (m *Manager) RemoveContainer(ctx context.Context, nameOrID string) error {
	err := m.client.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return sidecar.ErrRelayNotFound
	}
	// AutoRemove may already be deleting the container.
	if errdefs.IsConflict(err) && strings.Contains(err.Error(), "already in progress") {
		return nil
	}
	return err
}

// ListContainers returns containers carrying every given label.
func (m *Manager) ListContainers(ctx context.Context, labels map[string]string) ([]sidecar.Relay, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilters(labels),
	})
	if err != nil {
		return nil, err
	}

	out := make([]sidecar.Relay, 0, len(containers))
	for _, c := range containers {
		out = append(out, sidecar.Relay{
			ID:     c.ID,
			Name:   containerName(c.Names),
			Labels: c.Labels,
		})
	}
	return out, nil
}

func labelFilters(labels map[string]string) filters.Args {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := filters.NewArgs()
	for _, k := range keys {
		args.Add("label", k+"="+labels[k])
	}
	return args
}

// containerName returns the first name without Docker's leading slash.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// FindDevcontainer returns the running container the devcontainer CLI
// started for workspaceFolder, or "" when there is none.
func (m *Manager) FindDevcontainer(ctx context.Context, workspaceFolder string) (string, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		Filters: labelFilters(map[string]string{LabelLocalFolder: workspaceFolder}),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	// Take the first container if multiple are returned
	return containers[0].ID, nil
}

// IsRunning reports whether a container exists and is running.
func (m *Manager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// StopContainer stops a running container.
func (m *Manager) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	return m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes a command in a container and collects its output.
func (m *Manager) Run(ctx context.Context, containerID string, command []string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := m.client.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := m.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr strings.Builder
	_, err = stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}

	inspectResp, err := m.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Exec runs a command and returns its stdout; a non-zero exit is an error.
func (m *Manager) Exec(ctx context.Context, containerID string, command []string) (string, error) {
	res, err := m.Run(ctx, containerID, command)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with %d: %s", strings.Join(command, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// ensureImage pulls an image if not present locally.
func (m *Manager) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := m.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil // Image exists
	}

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the reader to complete the pull
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
