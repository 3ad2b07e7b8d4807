package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const SchemaVersionV1 uint32 = 1

// Manifest pins a data directory to one network and storage schema. It is
// written once, when the directory is first opened.
type Manifest struct {
	SchemaVersion uint32 `json:"schema_version"`
	Network       string `json:"network"`
	Backend       string `json:"backend"`
}

func manifestPath(networkDir string) string {
	return filepath.Join(networkDir, "MANIFEST.json")
}

func readManifest(networkDir string) (*Manifest, error) {
	b, err := os.ReadFile(manifestPath(networkDir))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest json: %w", err)
	}
	return &m, nil
}

// checkOrWriteManifest validates an existing manifest against network and
// backend, or writes a fresh one if none exists.
func checkOrWriteManifest(networkDir, network, backend string) error {
	m, err := readManifest(networkDir)
	if os.IsNotExist(err) {
		return writeManifestAtomic(networkDir, &Manifest{
			SchemaVersion: SchemaVersionV1,
			Network:       network,
			Backend:       backend,
		})
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if m.SchemaVersion > SchemaVersionV1 {
		return fmt.Errorf("manifest schema_version %d > supported %d", m.SchemaVersion, SchemaVersionV1)
	}
	if m.Network != network {
		return fmt.Errorf("manifest network %q, opening as %q", m.Network, network)
	}
	if m.Backend != backend {
		return fmt.Errorf("manifest backend %q, opening as %q", m.Backend, backend)
	}
	return nil
}

func writeManifestAtomic(networkDir string, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest: nil")
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest json: %w", err)
	}
	return WriteFileAtomic(manifestPath(networkDir), append(b, '\n'))
}

// WriteFileAtomic replaces path with b crash-safely:
// write temp -> fsync temp -> rename -> fsync dir.
func WriteFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- tmp path is derived from operator-controlled datadir.
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write %s: %w", tmp, werr)
	}
	if serr != nil {
		return fmt.Errorf("fsync %s: %w", tmp, serr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", tmp, cerr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	dir := filepath.Dir(path)
	d, err := os.Open(dir) // #nosec G304 -- dir is derived from operator-controlled datadir.
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}
	return d.Close()
}
