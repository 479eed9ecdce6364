package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Metadata models .autoscience/project.yaml.
type Metadata struct {
	Name      string     `yaml:"name"`
	CreatedAt time.Time  `yaml:"created_at"`
	LastRunAt *time.Time `yaml:"last_run_at,omitempty"`
	// RawData is the manifest of user-supplied input files. It is what a
	// reset preserves under data/.
	RawData []DataFile `yaml:"raw_data,omitempty"`
}

// DataFile is one entry in the raw data manifest.
type DataFile struct {
	Path     string `yaml:"path"`
	Size     int64  `yaml:"size"`
	Checksum string `yaml:"checksum"`
}

// RawPaths returns the manifest paths as a set.
func (m Metadata) RawPaths() map[string]bool {
	set := make(map[string]bool, len(m.RawData))
	for _, f := range m.RawData {
		set[f.Path] = true
	}
	return set
}

// LoadMetadata reads project.yaml. A missing file yields zero metadata
// carrying only the project name.
func (p *Project) LoadMetadata() (Metadata, error) {
	data, err := os.ReadFile(p.MetadataPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{Name: p.name}, nil
		}
		return Metadata{}, fmt.Errorf("project: read metadata: %w", err)
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("project: parse metadata: %w", err)
	}
	if meta.Name == "" {
		meta.Name = p.name
	}
	return meta, nil
}

// SaveMetadata writes project.yaml atomically.
func (p *Project) SaveMetadata(meta Metadata) error {
	sort.Slice(meta.RawData, func(i, j int) bool { return meta.RawData[i].Path < meta.RawData[j].Path })
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("project: encode metadata: %w", err)
	}
	return WriteFileAtomic(p.MetadataPath(), data, 0o644)
}

// TouchLastRun stamps last_run_at with the current time.
func (p *Project) TouchLastRun() error {
	meta, err := p.LoadMetadata()
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	meta.LastRunAt = &now
	return p.SaveMetadata(meta)
}

// RecordManifest adds data files not yet in the manifest that arrived in
// data/ after since, skipping generated documents. A zero since accepts
// every file. Entries already recorded keep their original checksum.
func (p *Project) RecordManifest(since time.Time) (Metadata, error) {
	meta, err := p.LoadMetadata()
	if err != nil {
		return Metadata{}, err
	}
	files, err := p.DataFiles()
	if err != nil {
		return Metadata{}, err
	}
	known := meta.RawPaths()
	added := false
	for _, rel := range files {
		if known[rel] || IsGeneratedData(rel) {
			continue
		}
		if !since.IsZero() {
			arrived, err := ArrivedAt(filepath.Join(p.root, filepath.FromSlash(rel)))
			if err != nil {
				return Metadata{}, err
			}
			if !arrived.After(since) {
				continue
			}
		}
		entry, err := p.describe(rel)
		if err != nil {
			return Metadata{}, err
		}
		meta.RawData = append(meta.RawData, entry)
		added = true
	}
	if added {
		if err := p.SaveMetadata(meta); err != nil {
			return Metadata{}, err
		}
	}
	return meta, nil
}

// VerifyManifest returns the manifest paths whose file is missing or whose
// contents changed since they were recorded.
func (p *Project) VerifyManifest() ([]string, error) {
	meta, err := p.LoadMetadata()
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, f := range meta.RawData {
		current, err := p.describe(f.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				changed = append(changed, f.Path)
				continue
			}
			return nil, err
		}
		if current.Checksum != f.Checksum {
			changed = append(changed, f.Path)
		}
	}
	return changed, nil
}

// IsGeneratedData reports whether a data/ path is a pipeline product by
// name: the schema document or a focused dataset.
func IsGeneratedData(rel string) bool {
	if rel == DataDir+"/"+FileSchema {
		return true
	}
	return strings.HasPrefix(rel, DataDir+"/") && strings.HasSuffix(rel, FocusedSuffix)
}

func (p *Project) describe(rel string) (DataFile, error) {
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return DataFile{}, err
	}
	sum, err := Checksum(abs)
	if err != nil {
		return DataFile{}, err
	}
	return DataFile{Path: rel, Size: info.Size(), Checksum: sum}, nil
}

func (p *Project) ensureMetadata() error {
	if _, err := os.Stat(p.MetadataPath()); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("project: stat metadata: %w", err)
	}
	return p.SaveMetadata(Metadata{Name: p.name, CreatedAt: p.clock.Now().UTC()})
}
