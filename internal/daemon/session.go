package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// ProjectionMode names the ingest mode (phantom or one of the solid
// tiers) a workspace is currently operating under, persisted so a restarted
// daemon or a fresh client process picks up where the last session left
// off instead of silently defaulting.
type ProjectionMode string

const (
	ProjectionPhantom    ProjectionMode = "phantom"
	ProjectionSolidTier1 ProjectionMode = "solid_tier1"
	ProjectionSolidTier2 ProjectionMode = "solid_tier2"
)

// sessionState is the contents of <project>/.vrift/session.json.
type sessionState struct {
	ProjectionMode ProjectionMode `json:"projection_mode"`
}

func defaultSessionState() sessionState {
	return sessionState{ProjectionMode: ProjectionPhantom}
}

func sessionPath(vriftDir string) string { return filepath.Join(vriftDir, "session.json") }

// loadSession reads <project>/.vrift/session.json, defaulting to Phantom
// projection if the file doesn't exist yet (a brand-new workspace).
func loadSession(vriftDir string) (sessionState, error) {
	data, err := os.ReadFile(sessionPath(vriftDir))
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSessionState(), nil
		}
		return sessionState{}, fmt.Errorf("reading session state: %w", err)
	}

	var s sessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return sessionState{}, fmt.Errorf("parsing session state: %w", err)
	}
	if s.ProjectionMode == "" {
		s.ProjectionMode = ProjectionPhantom
	}
	return s, nil
}

// save atomically publishes s to <project>/.vrift/session.json, the same
// temp-file-then-rename publication the registry and VDir use elsewhere.
func (s sessionState) save(vriftDir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}
	if err := renameio.WriteFile(sessionPath(vriftDir), data, 0644); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	return nil
}

// ProjectionMode returns the workspace's current ingest projection mode.
func (ws *Workspace) ProjectionMode() ProjectionMode { return ws.session.ProjectionMode }

// SetProjectionMode updates and persists the workspace's projection
// mode.
func (ws *Workspace) SetProjectionMode(mode ProjectionMode) error {
	ws.session.ProjectionMode = mode
	return ws.session.save(ws.vriftDir)
}
