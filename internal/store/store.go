package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"recsync/internal/model"
)

// RegistrySnapshot persists registered nodes and their metadata.
type RegistrySnapshot struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Nodes     []model.Node `yaml:"nodes"`
	Archived  []model.Node `yaml:"archived,omitempty"`
}

// SessionArchive holds completed and aborted sessions for audit.
type SessionArchive struct {
	UpdatedAt time.Time       `yaml:"updated_at"`
	Sessions  []model.Session `yaml:"sessions"`
}

// LoadRegistry loads the registry snapshot from disk. If the file is
// missing, returns an empty snapshot.
func LoadRegistry(path string) (*RegistrySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RegistrySnapshot{}, nil
		}
		return nil, err
	}

	var snap RegistrySnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveRegistry writes the registry snapshot to disk.
func SaveRegistry(path string, snap *RegistrySnapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	return writeYAML(path, snap)
}

// LoadSessions loads the session archive from disk. A missing file
// yields an empty archive.
func LoadSessions(path string) (*SessionArchive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SessionArchive{}, nil
		}
		return nil, err
	}

	var arch SessionArchive
	if err := yaml.Unmarshal(data, &arch); err != nil {
		return nil, err
	}

	return &arch, nil
}

// AppendSession appends one terminated session to the archive file.
// Archived sessions are immutable records; existing entries are never
// rewritten.
func AppendSession(path string, session model.Session) error {
	arch, err := LoadSessions(path)
	if err != nil {
		return err
	}
	for _, existing := range arch.Sessions {
		if existing.ID == session.ID {
			return nil
		}
	}
	arch.Sessions = append(arch.Sessions, session)
	arch.UpdatedAt = time.Now().UTC()
	return writeYAML(path, arch)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
