package store

import (
	"path/filepath"
	"testing"
	"time"

	"recsync/internal/model"
)

func TestRegistry_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	snap := &RegistrySnapshot{
		Nodes: []model.Node{{
			ID:           "node-1",
			Fingerprint:  "fp-1",
			Name:         "cam-left",
			Capabilities: []model.Capability{model.CapVideo, model.CapThermal},
			ControlAddr:  "10.0.0.2:7610",
			ProbeAddr:    "10.0.0.2:7611",
			State:        model.StateSynchronized,
			LastSeenAt:   time.Now().UTC().Truncate(time.Second),
		}},
		Archived: []model.Node{{ID: "node-2", Fingerprint: "fp-2", Name: "old-mic"}},
	}

	if err := SaveRegistry(path, snap); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}

	loaded, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(loaded.Nodes) != 1 || len(loaded.Archived) != 1 {
		t.Fatalf("loaded %d/%d nodes", len(loaded.Nodes), len(loaded.Archived))
	}
	got := loaded.Nodes[0]
	if got.ID != "node-1" || got.Fingerprint != "fp-1" || len(got.Capabilities) != 2 {
		t.Fatalf("round trip mangled node: %+v", got)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	t.Parallel()

	snap, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(snap.Nodes) != 0 {
		t.Fatalf("expected empty snapshot, got %d nodes", len(snap.Nodes))
	}
}

func TestAppendSession_Accumulates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.yaml")
	first := model.Session{ID: "sess-a", State: model.SessionCompleted}
	second := model.Session{ID: "sess-b", State: model.SessionAborted}

	if err := AppendSession(path, first); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}
	if err := AppendSession(path, second); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}

	arch, err := LoadSessions(path)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(arch.Sessions) != 2 {
		t.Fatalf("sessions=%d", len(arch.Sessions))
	}
	if arch.Sessions[0].ID != "sess-a" || arch.Sessions[1].ID != "sess-b" {
		t.Fatalf("order mangled: %+v", arch.Sessions)
	}
}

func TestAppendSession_DuplicateIgnored(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.yaml")
	sess := model.Session{ID: "sess-a", State: model.SessionCompleted}

	if err := AppendSession(path, sess); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}
	sess.State = model.SessionAborted
	if err := AppendSession(path, sess); err != nil {
		t.Fatalf("AppendSession duplicate: %v", err)
	}

	arch, err := LoadSessions(path)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(arch.Sessions) != 1 {
		t.Fatalf("sessions=%d, want duplicate dropped", len(arch.Sessions))
	}
	if arch.Sessions[0].State != model.SessionCompleted {
		t.Fatal("archived record was rewritten")
	}
}
