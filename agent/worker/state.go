package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State is what a registered agent keeps between runs. The secret is shown
// once at registration and cannot be recovered from the control plane.
type State struct {
	APIURL string `json:"api"`
	NodeID string `json:"nodeId"`
	Secret string `json:"secret"`
	Region string `json:"region"`
}

func DefaultStatePath() string {
	if dir := os.Getenv("FLEET_AGENT_DIR"); dir != "" {
		return filepath.Join(dir, "state.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "fleet-agent.json"
	}
	return filepath.Join(home, ".fleet-agent", "state.json")
}

// LoadState returns nil, nil when the agent has never registered.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if s.NodeID == "" || s.Secret == "" || s.APIURL == "" {
		return nil, fmt.Errorf("state %s is incomplete", path)
	}
	return &s, nil
}

func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}
