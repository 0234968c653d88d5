//go:build unix

package watch

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func startSleep(t *testing.T) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		cmd.Process.Kill()
		<-done
	})
	return cmd, done
}

func TestMatchesCmdline(t *testing.T) {
	tests := []struct {
		cmdline string
		want    bool
	}{
		{"/usr/local/bin/dcw\x00port\x00watch\x00", true},
		{"dcw\x00port\x00watch\x00", true},
		{"/usr/bin/python3\x00dcw\x00", false},
		{"/opt/dcw-old/bin/other\x00", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := matchesCmdline([]byte(tt.cmdline), "dcw"); got != tt.want {
			t.Errorf("matchesCmdline(%q) = %v, want %v", tt.cmdline, got, tt.want)
		}
	}
}

func TestStopLeavesForeignProcess(t *testing.T) {
	cmd, done := startSleep(t)

	path := filepath.Join(t.TempDir(), "watch.json")
	h := NewHandle("ws")
	h.PID = cmd.Process.Pid
	if err := WriteHandle(path, h); err != nil {
		t.Fatalf("WriteHandle failed: %v", err)
	}

	stopped, err := Stop(path, time.Second)
	if stopped || err != nil {
		t.Errorf("Stop() = %v, %v; want false, nil", stopped, err)
	}
	select {
	case <-done:
		t.Error("Stop signalled a process that is not a watcher")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopTerminatesWatcher(t *testing.T) {
	old := processName
	processName = "sleep"
	t.Cleanup(func() { processName = old })

	cmd, done := startSleep(t)

	path := filepath.Join(t.TempDir(), "watch.json")
	h := NewHandle("ws")
	h.PID = cmd.Process.Pid
	if err := WriteHandle(path, h); err != nil {
		t.Fatalf("WriteHandle failed: %v", err)
	}

	stopped, err := Stop(path, 5*time.Second)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !stopped {
		t.Error("Stop() = false, want true")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher still running after Stop")
	}
	if _, err := ReadHandle(path); err == nil {
		t.Error("handle survived a confirmed stop")
	}
}
