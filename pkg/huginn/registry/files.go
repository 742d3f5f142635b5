// files.go handles the on-disk document tree: immutable version files
// and the per-slug metadata pointer, written atomically via a temp file
// and rename.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
)

// chainSnapshot preserves the mined statistics drift scans compare
// against after the candidate itself has been consumed.
type chainSnapshot struct {
	ID      string   `json:"id"`
	Tools   []string `json:"tools"`
	Support float64  `json:"support"`
}

// metadata is the per-slug pointer file.
type metadata struct {
	Slug           string        `json:"slug"`
	CurrentVersion int           `json:"current_version"`
	RegisteredAt   time.Time     `json:"registered_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	SourceChain    chainSnapshot `json:"source_chain"`
}

func (r *Registry) slugDir(slug string) string {
	return filepath.Join(r.dir, slug)
}

func (r *Registry) versionPath(slug string, version int) string {
	return filepath.Join(r.slugDir(slug), fmt.Sprintf("v%d.json", version))
}

func (r *Registry) metadataPath(slug string) string {
	return filepath.Join(r.slugDir(slug), "metadata.json")
}

// writeVersionDoc persists the immutable version document and returns
// its path. An existing file for the same version is an error: versions
// are never rewritten.
func (r *Registry) writeVersionDoc(tool *synthesis.SynthesizedTool) (string, error) {
	path := r.versionPath(tool.Slug, tool.Version)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("registry: version document %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	data, err := json.MarshalIndent(tool, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal tool document: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Registry) readVersionDoc(slug string, version int) (synthesis.SynthesizedTool, error) {
	data, err := os.ReadFile(r.versionPath(slug, version))
	if errors.Is(err, fs.ErrNotExist) {
		return synthesis.SynthesizedTool{}, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, slug, version)
	}
	if err != nil {
		return synthesis.SynthesizedTool{}, err
	}

	var tool synthesis.SynthesizedTool
	if err := json.Unmarshal(data, &tool); err != nil {
		return synthesis.SynthesizedTool{}, fmt.Errorf("parse tool document %s v%d: %w", slug, version, err)
	}
	return tool, nil
}

func (r *Registry) writeMetadata(slug string, meta metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return atomicWrite(r.metadataPath(slug), data)
}

func (r *Registry) readMetadata(slug string) (metadata, error) {
	data, err := os.ReadFile(r.metadataPath(slug))
	if errors.Is(err, fs.ErrNotExist) {
		return metadata{}, fmt.Errorf("%w: %s", ErrToolNotFound, slug)
	}
	if err != nil {
		return metadata{}, err
	}

	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return metadata{}, fmt.Errorf("parse metadata for %s: %w", slug, err)
	}
	return meta, nil
}

// atomicWrite lands the content via a temp file in the target directory
// and a rename, so readers never observe a partial document.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
