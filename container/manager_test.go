package container

import (
	"testing"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/everydev1618/dcw/procnet"
	"github.com/everydev1618/dcw/sidecar"
)

var (
	_ sidecar.Engine = (*Manager)(nil)
	_ procnet.Execer = (*Manager)(nil)
)

func TestSortedNetworks(t *testing.T) {
	got := sortedNetworks(map[string]*network.EndpointSettings{
		"zeta":   {IPAddress: "10.2.0.3"},
		"bridge": {IPAddress: "172.17.0.2"},
		"alpha":  nil,
	})

	want := []sidecar.Network{
		{Name: "alpha"},
		{Name: "bridge", IPAddress: "172.17.0.2"},
		{Name: "zeta", IPAddress: "10.2.0.3"},
	}
	if len(got) != len(want) {
		t.Fatalf("sortedNetworks() returned %d networks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sortedNetworks()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSortedNetworksEmpty(t *testing.T) {
	if got := sortedNetworks(nil); len(got) != 0 {
		t.Errorf("sortedNetworks(nil) = %v, want empty", got)
	}
}

func TestPortBindings(t *testing.T) {
	exposed, bindings := portBindings(8080)

	port := nat.Port("8080/tcp")
	if _, ok := exposed[port]; !ok || len(exposed) != 1 {
		t.Errorf("exposed = %v, want only %s", exposed, port)
	}
	b := bindings[port]
	if len(b) != 1 || b[0].HostIP != "127.0.0.1" || b[0].HostPort != "8080" {
		t.Errorf("bindings[%s] = %+v, want 127.0.0.1:8080", port, b)
	}
}

func TestLabelFilters(t *testing.T) {
	args := labelFilters(map[string]string{
		sidecar.LabelRole:      sidecar.RoleRelay,
		sidecar.LabelWorkspace: "dev-app-1234abcd",
	})

	got := args.Get("label")
	if len(got) != 2 {
		t.Fatalf("label filters = %v, want 2", got)
	}
	want := map[string]bool{
		"dcw.role=port-forward":           true,
		"dcw.workspace=dev-app-1234abcd": true,
	}
	for _, v := range got {
		if !want[v] {
			t.Errorf("unexpected label filter %q", v)
		}
	}
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"/pf-dev-app-1234abcd-3000"}, "pf-dev-app-1234abcd-3000"},
		{[]string{"plain", "/other"}, "plain"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := containerName(tt.names); got != tt.want {
			t.Errorf("containerName(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}
