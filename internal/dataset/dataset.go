// Package dataset loads the dataset registry once at startup and serves it
// as immutable, concurrency-safe, read-only state for the lifetime of the
// process.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Column describes one column of a dataset file.
type Column struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Nullable    bool     `json:"nullable,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// File is one CSV file belonging to a dataset.
type File struct {
	Name   string            `json:"name"`
	Path   string            `json:"path"`
	Schema map[string]Column `json:"schema"`
}

// Table returns the derived table name for the file: its filename with the
// extension removed.
func (f File) Table() string {
	base := filepath.Base(f.Name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Descriptor is a dataset's immutable registry entry.
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prompts     []string `json:"prompts,omitempty"`
	VersionHash string   `json:"version_hash,omitempty"`
	Files       []File   `json:"files"`
}

type registryFile struct {
	Datasets []Descriptor `json:"datasets"`
}

// Registry is a read-only, concurrency-safe lookup of dataset descriptors
// by id. It never changes after Load returns, so no locking is needed on
// the read path.
type Registry struct {
	datasetsDir string
	byID        map[string]Descriptor
	ordered     []Descriptor
}

// Load reads and parses registry.json under datasetsDir. It is called once
// at startup; a missing or malformed registry file is a fatal configuration
// error.
func Load(datasetsDir string) (*Registry, error) {
	registryPath := filepath.Join(datasetsDir, "registry.json")
	raw, err := os.ReadFile(registryPath)
	if err != nil {
		return nil, fmt.Errorf("dataset registry not found: %w", err)
	}
	var parsed registryFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("dataset registry %s is not valid JSON: %w", registryPath, err)
	}

	byID := make(map[string]Descriptor, len(parsed.Datasets))
	for _, ds := range parsed.Datasets {
		byID[ds.ID] = ds
	}
	return &Registry{datasetsDir: datasetsDir, byID: byID, ordered: parsed.Datasets}, nil
}

// DatasetsDir returns the root directory the registry was loaded from, the
// base for resolving each File.Path.
func (r *Registry) DatasetsDir() string {
	return r.datasetsDir
}

// List returns the registry's datasets in registry-file order.
func (r *Registry) List() []Descriptor {
	return r.ordered
}

// Get returns the dataset with the given id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	ds, ok := r.byID[id]
	return ds, ok
}

// FilePath resolves a File's path to an absolute path under the registry's
// datasets directory.
func (r *Registry) FilePath(f File) string {
	return filepath.Join(r.datasetsDir, f.Path)
}

// sampleRowLimit bounds get_dataset_schema's sample preview.
const sampleRowLimit = 3

// SampleRows reads up to the first 3 data rows of f as header-keyed maps.
// A missing file yields an empty slice rather than an error, matching the
// registry-projection tool's best-effort schema preview.
func (r *Registry) SampleRows(f File) ([]map[string]string, error) {
	path := r.FilePath(f)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open dataset file %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	var rows []map[string]string
	for len(rows) < sampleRowLimit {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row of %s: %w", path, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
