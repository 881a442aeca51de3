package sim

import (
	"encoding/json"
	"fmt"
	"os"
)

// worldSnapshot is the on-disk form of a World: live resources and the ID
// sequence. Fault injection and call counters are test-only and not
// persisted.
type worldSnapshot struct {
	Resources []Resource `json:"resources"`
	Seq       int        `json:"seq"`
}

// LoadWorld restores a simulated cloud from a snapshot file. A missing file
// yields an empty world, so first runs need no setup.
func LoadWorld(path string) (*World, error) {
	w := NewWorld()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading world snapshot: %w", err)
	}

	var snap worldSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing world snapshot %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq = snap.Seq
	for i := range snap.Resources {
		r := snap.Resources[i].copy()
		w.resources[r.Type+"/"+r.Name] = &r
		w.byID[r.ProviderID] = &r
	}
	return w, nil
}

// Save writes the world's live resources to a snapshot file.
func (w *World) Save(path string) error {
	w.mu.Lock()
	snap := worldSnapshot{Seq: w.seq, Resources: make([]Resource, 0, len(w.resources))}
	for _, r := range w.resources {
		snap.Resources = append(snap.Resources, r.copy())
	}
	w.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding world snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing world snapshot: %w", err)
	}
	return nil
}
