package devconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ForwardPortsKey is the devcontainer.json field listing ports to forward.
const ForwardPortsKey = "forwardPorts"

// ElementError reports a forwardPorts element that could not be read.
type ElementError struct {
	Index int
	Value any
	Err   error
}

func (e *ElementError) Error() string {
	return fmt.Sprintf("%s[%d] (%v): %v", ForwardPortsKey, e.Index, e.Value, e.Err)
}

func (e *ElementError) Unwrap() error { return e.Err }

// ErrInvalidPort is wrapped by every ElementError.
var ErrInvalidPort = errors.New("invalid port")

// ExtractForwardPorts reads the forwardPorts array of doc. Elements may be
// a number (3000), a numeric string ("3000"), a "host:port" string (the
// host is ignored), or an object with a "port" field. Unreadable elements
// are reported in the returned error while the rest are still returned,
// deduplicated, in the order first seen.
func ExtractForwardPorts(doc any) ([]uint16, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, ok := obj[ForwardPortsKey]
	if !ok || raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s is %T, want array: %w", ForwardPortsKey, raw, ErrInvalidPort)
	}

	var (
		ports []uint16
		seen  = make(map[uint16]bool)
		errs  []error
	)
	for i, el := range arr {
		port, err := elementPort(el)
		if err != nil {
			errs = append(errs, &ElementError{Index: i, Value: el, Err: err})
			continue
		}
		if !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}
	return ports, errors.Join(errs...)
}

func elementPort(el any) (uint16, error) {
	switch v := el.(type) {
	case json.Number:
		return numberPort(v.String())
	case float64:
		return floatPort(v)
	case int:
		return intPort(int64(v))
	case string:
		s := strings.TrimSpace(v)
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			s = s[i+1:]
		}
		return numberPort(s)
	case map[string]any:
		p, ok := v["port"]
		if !ok {
			return 0, fmt.Errorf("%w: object has no port field", ErrInvalidPort)
		}
		if _, isObj := p.(map[string]any); isObj {
			return 0, fmt.Errorf("%w: nested object", ErrInvalidPort)
		}
		return elementPort(p)
	}
	return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidPort, el)
}

func numberPort(s string) (uint16, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidPort, s)
	}
	return intPort(n)
}

func floatPort(f float64) (uint16, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidPort, f)
	}
	return intPort(int64(f))
}

func intPort(n int64) (uint16, error) {
	if n < 1 || n > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidPort, n)
	}
	return uint16(n), nil
}
