// Package rules persists the forwarding rules of each workspace.
package rules

import (
	"errors"
	"fmt"
	"time"
)

// Origin records who asked for a forward.
type Origin string

const (
	Manual       Origin = "manual"
	AutoDetected Origin = "auto"
)

// ParseOrigin converts a stored or labelled origin.
func ParseOrigin(s string) (Origin, error) {
	switch Origin(s) {
	case Manual, AutoDetected:
		return Origin(s), nil
	}
	return "", fmt.Errorf("unknown origin %q", s)
}

// ErrRuleNotFound is returned when no rule exists for a host port.
var ErrRuleNotFound = errors.New("forward rule not found")

// ForwardRule maps a host port to a container port through one relay.
// Rules are unique per (Workspace, HostPort).
type ForwardRule struct {
	Workspace     string    `json:"workspace"`
	HostPort      uint16    `json:"host_port"`
	ContainerPort uint16    `json:"container_port"`
	SidecarID     string    `json:"sidecar_id"`
	Origin        Origin    `json:"origin"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists forward rules.
type Store interface {
	// Put creates or replaces the rule for (rule.Workspace, rule.HostPort).
	Put(rule ForwardRule) error

	// Get returns the rule for a host port, or ErrRuleNotFound.
	Get(workspace string, hostPort uint16) (ForwardRule, error)

	// List returns the rules of a workspace ordered by host port.
	List(workspace string) ([]ForwardRule, error)

	// Delete removes the rule for a host port. Deleting a missing rule is not an error.
	Delete(workspace string, hostPort uint16) error

	// DeleteAll removes every rule of a workspace.
	DeleteAll(workspace string) error

	// Close releases the store.
	Close() error
}
