package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifest is the on-disk shape of a command manifest file. One file may
// declare several commands for one category.
type manifest struct {
	Category string              `yaml:"category"`
	Commands []CommandDefinition `yaml:"commands"`
}

// LoadManifests reads every *.yaml manifest in dir and registers its
// commands. Files are processed in lexical order so registration order (and
// therefore List order) is stable across runs. A missing directory is not
// an error: deployments without manifest-declared commands are normal.
func (r *Registry) LoadManifests(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Debug("no manifest directory at %s", dir)
			return nil
		}
		return fmt.Errorf("read manifest directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	loaded := 0
	for _, name := range files {
		path := filepath.Join(dir, name)
		n, err := r.loadManifestFile(path)
		if err != nil {
			return fmt.Errorf("manifest %s: %w", name, err)
		}
		loaded += n
	}

	r.log.Info("loaded %d commands from %d manifests in %s", loaded, len(files), dir)
	return nil
}

func (r *Registry) loadManifestFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}

	for i := range m.Commands {
		def := m.Commands[i]
		if def.Category == "" {
			def.Category = m.Category
		}
		if err := r.Register(def); err != nil {
			return 0, err
		}
	}
	return len(m.Commands), nil
}
