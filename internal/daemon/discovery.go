package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/CodeJonesW/diffprism/internal/config"
)

// DiscoveryInfo is the on-disk record clients use to find a running daemon.
type DiscoveryInfo struct {
	HTTPPort  int       `json:"httpPort"`
	WSPort    int       `json:"wsPort"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// DiscoveryPath returns the path of the discovery file.
func DiscoveryPath() string {
	return filepath.Join(config.DataDir(), "daemon.json")
}

// WriteDiscovery records the daemon's actual bound ports. Called after the
// listeners are up, so a reader never sees ports that aren't serving yet.
func WriteDiscovery(httpPort, wsPort int) error {
	info := DiscoveryInfo{
		HTTPPort:  httpPort,
		WSPort:    wsPort,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}

	path := DiscoveryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadDiscovery reads the discovery file without validating it.
func ReadDiscovery() (*DiscoveryInfo, error) {
	data, err := os.ReadFile(DiscoveryPath())
	if err != nil {
		return nil, err
	}

	var info DiscoveryInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveDiscovery deletes the discovery file. Done last during shutdown so
// the file never points at a daemon that has already torn down its routes.
func RemoveDiscovery() {
	os.Remove(DiscoveryPath())
}

// FindRunningDaemon reads and validates the discovery file. A record whose
// PID is no longer alive is stale (crash or kill -9 left it behind); it is
// deleted and treated as absent.
func FindRunningDaemon() (*DiscoveryInfo, error) {
	info, err := ReadDiscovery()
	if err != nil {
		return nil, err
	}
	if info.PID <= 0 || !pidAlive(info.PID) {
		RemoveDiscovery()
		return nil, os.ErrNotExist
	}
	return info, nil
}

// IsDaemonAlive checks that a daemon is actually responding on its HTTP
// port. More reliable than the PID check when the process exists but is
// wedged.
func IsDaemonAlive(httpPort int) bool {
	if httpPort <= 0 {
		return false
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", httpPort))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
