package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "state.json"

// PersistentState is per-VM bookkeeping that survives restarts.
type PersistentState struct {
	LastBoot     time.Time `json:"last_boot,omitempty"`
	LastShutdown time.Time `json:"last_shutdown,omitempty"`
	BootCount    int       `json:"boot_count"`

	// BuildVersion is the restore image build the VM last booted with.
	BuildVersion string `json:"build_version,omitempty"`

	// CleanShutdown is false while the VM runs and after it stopped with an
	// error.
	CleanShutdown bool `json:"clean_shutdown"`
}

// StateFile reads and writes a VM's state.json.
type StateFile struct {
	path string
}

// NewStateFile creates a state file in vmDir.
func NewStateFile(vmDir string) *StateFile {
	return &StateFile{path: filepath.Join(vmDir, stateFileName)}
}

// Load reads the state from disk. A missing file yields the zero state.
func (s *StateFile) Load() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &PersistentState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}

// Save writes the state to disk atomically.
func (s *StateFile) Save(state *PersistentState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// RecordBoot updates state for a new boot.
func (s *StateFile) RecordBoot(buildVersion string) error {
	state, err := s.Load()
	if err != nil {
		return err
	}

	state.LastBoot = time.Now()
	state.BootCount++
	state.CleanShutdown = false
	if buildVersion != "" {
		state.BuildVersion = buildVersion
	}
	return s.Save(state)
}

// RecordShutdown updates state for a shutdown.
func (s *StateFile) RecordShutdown(clean bool) error {
	state, err := s.Load()
	if err != nil {
		return err
	}

	state.LastShutdown = time.Now()
	state.CleanShutdown = clean
	return s.Save(state)
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
