package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoveryWriteRead(t *testing.T) {
	t.Setenv("DIFFPRISM_DATA_DIR", t.TempDir())

	if err := WriteDiscovery(4780, 4781); err != nil {
		t.Fatalf("WriteDiscovery: %v", err)
	}

	info, err := ReadDiscovery()
	if err != nil {
		t.Fatalf("ReadDiscovery: %v", err)
	}
	if info.HTTPPort != 4780 || info.WSPort != 4781 {
		t.Errorf("ports = %d/%d", info.HTTPPort, info.WSPort)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}

	RemoveDiscovery()
	if _, err := ReadDiscovery(); err == nil {
		t.Error("ReadDiscovery should fail after RemoveDiscovery")
	}
}

func TestDiscoveryJSONFieldNames(t *testing.T) {
	t.Setenv("DIFFPRISM_DATA_DIR", t.TempDir())

	if err := WriteDiscovery(1234, 5678); err != nil {
		t.Fatalf("WriteDiscovery: %v", err)
	}

	data, err := os.ReadFile(DiscoveryPath())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"httpPort", "wsPort", "pid", "startedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("discovery file missing %q key", key)
		}
	}
}

func TestFindRunningDaemonValidatesPID(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIFFPRISM_DATA_DIR", dir)

	t.Run("live pid", func(t *testing.T) {
		if err := WriteDiscovery(4780, 4781); err != nil {
			t.Fatalf("WriteDiscovery: %v", err)
		}
		info, err := FindRunningDaemon()
		if err != nil {
			t.Fatalf("FindRunningDaemon: %v", err)
		}
		if info.PID != os.Getpid() {
			t.Errorf("PID = %d", info.PID)
		}
	})

	t.Run("stale pid deletes file", func(t *testing.T) {
		// A PID from the far end of the range is almost certainly unused.
		stale := DiscoveryInfo{HTTPPort: 4780, WSPort: 4781, PID: 1 << 22}
		data, _ := json.Marshal(stale)
		if err := os.WriteFile(DiscoveryPath(), data, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}

		if _, err := FindRunningDaemon(); err == nil {
			t.Fatal("stale discovery file should be treated as absent")
		}
		if _, err := os.Stat(DiscoveryPath()); !os.IsNotExist(err) {
			t.Error("stale discovery file should be deleted")
		}
	})

	t.Run("zero pid is stale", func(t *testing.T) {
		data, _ := json.Marshal(DiscoveryInfo{HTTPPort: 4780, WSPort: 4781, PID: 0})
		if err := os.WriteFile(DiscoveryPath(), data, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := FindRunningDaemon(); err == nil {
			t.Error("zero PID should be treated as stale")
		}
	})
}

func TestDiscoveryPathUsesDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIFFPRISM_DATA_DIR", dir)

	if got, want := DiscoveryPath(), filepath.Join(dir, "daemon.json"); got != want {
		t.Errorf("DiscoveryPath() = %q, want %q", got, want)
	}
}
