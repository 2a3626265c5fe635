package plugin

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk list of statically configured plugins.
//
//	plugins:
//	  - id: core.unit-info
//	    name: Unit Info
//	    type: CORE
//	    trust: TRUSTED
//	    file: unit-info.js
//	    when: unit != nil
type Manifest struct {
	Plugins []ManifestEntry `yaml:"plugins"`
}

// ManifestEntry is a Config whose source may instead be loaded from a file,
// resolved relative to the manifest.
type ManifestEntry struct {
	Config `yaml:",inline"`
	File   string `yaml:"file,omitempty"`
}

// LoadManifestFile loads a manifest from path, reading any referenced script
// files relative to the manifest's directory.
func LoadManifestFile(path string) ([]Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return LoadManifest(f, filepath.Dir(path))
}

// LoadManifest decodes a manifest. Relative file references are resolved
// against baseDir.
func LoadManifest(r io.Reader, baseDir string) ([]Config, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Plugins))
	out := make([]Config, 0, len(m.Plugins))
	for i, pe := range m.Plugins {
		c := pe.Config
		if pe.File != "" {
			if c.Src != "" {
				return nil, fmt.Errorf("manifest entry %d (%q): src and file are mutually exclusive", i, c.ID)
			}
			p := pe.File
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %d (%q): %w", i, c.ID, err)
			}
			c.Src = string(b)
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("manifest entry %d: duplicate plugin id %q", i, c.ID)
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}
