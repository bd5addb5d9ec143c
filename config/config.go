// Package config implements the layered configuration chain of spec
// §4.A: /etc/bender.yml, the user config directory, every .bender.yml
// found walking from the filesystem root down to the working directory,
// and Bender.local adjacent to the root manifest. Later files overlay
// earlier ones.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config carries the merged settings that govern a bender invocation
// (spec §4.A, §6 "Configuration files").
type Config struct {
	// Database is the checkout database directory. Empty means the
	// caller should default it to "<root>/.bender".
	Database string `yaml:"database,omitempty"`
	// Git is the git command name, default "git".
	Git string `yaml:"git,omitempty"`
	// Overrides is the forced-binding map for the resolver (spec §4.C
	// "Overrides"); merged by key across layers.
	Overrides map[string]Override `yaml:"overrides,omitempty"`
	// Plugins is the deprecated command->script map; merged by key.
	Plugins map[string]string `yaml:"plugins,omitempty"`
	// GitThrottle is the parallelism budget for git operations (spec
	// §4.B, §5), default 4.
	GitThrottle int `yaml:"git_throttle,omitempty"`
	// GitLFS toggles git-lfs detection/smudge handling (spec §6). A *bool
	// rather than bool so an explicit "git_lfs: false" in any layer can be
	// told apart from the key being absent; defaults to true.
	GitLFS *bool `yaml:"git_lfs,omitempty"`
}

// gitLFSDefault is the spec default for the git_lfs toggle: on.
func gitLFSDefault() *bool {
	v := true
	return &v
}

// Override is a config-level forced dependency binding (spec §3, §4.C
// "Override"). It reuses the same possible shapes as a manifest
// dependency spec.
type Override struct {
	Path    string `yaml:"path,omitempty"`
	Git     string `yaml:"git,omitempty"`
	Rev     string `yaml:"rev,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// defaults returns a Config with every spec-mandated default applied.
func defaults() Config {
	return Config{
		Git:         "git",
		GitThrottle: 4,
		GitLFS:      gitLFSDefault(),
		Overrides:   map[string]Override{},
		Plugins:     map[string]string{},
	}
}

// layerPaths returns the ordered list of candidate layer files per spec
// §4.A: /etc/bender.yml, the user's config directory, every .bender.yml
// from the filesystem root down to wd, then Bender.local next to
// rootManifestDir.
func layerPaths(wd, rootManifestDir string) []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/bender.yml")
	}

	if ucd, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(ucd, "bender", "config.yml"))
	}

	for _, dir := range ancestry(wd) {
		paths = append(paths, filepath.Join(dir, ".bender.yml"))
	}

	if rootManifestDir != "" {
		paths = append(paths, filepath.Join(rootManifestDir, "Bender.local"))
	}

	return paths
}

// ancestry returns every directory from the filesystem root down to dir,
// inclusive, in top-down order.
func ancestry(dir string) []string {
	dir = filepath.Clean(dir)
	var chain []string
	for {
		chain = append(chain, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	// reverse into top-down order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Load assembles the config chain for a project whose root manifest
// lives in rootManifestDir, with wd as the current working directory
// used to discover .bender.yml files (spec §4.A).
func Load(wd, rootManifestDir string) (Config, error) {
	cfg := defaults()

	for _, p := range layerPaths(wd, rootManifestDir) {
		data, err := ioutil.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, errors.Wrapf(err, "reading config %s", p)
		}

		var layer Config
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return cfg, errors.Wrapf(err, "parsing config %s", p)
		}

		cfg = merge(cfg, layer, filepath.Dir(p))
	}

	return cfg, nil
}

// merge overlays next on top of base: scalar and map keys are
// overwritten, overrides/plugins deep-merge by key, lists replace
// wholesale. Relative paths in next are anchored to layerDir (spec
// §4.A).
func merge(base, next Config, layerDir string) Config {
	out := base

	if next.Database != "" {
		out.Database = absolutize(next.Database, layerDir)
	}
	if next.Git != "" {
		out.Git = next.Git
	}
	if next.GitThrottle != 0 {
		out.GitThrottle = next.GitThrottle
	}
	if next.GitLFS != nil {
		out.GitLFS = next.GitLFS
	}

	if len(next.Overrides) > 0 {
		merged := make(map[string]Override, len(out.Overrides)+len(next.Overrides))
		for k, v := range out.Overrides {
			merged[k] = v
		}
		for k, v := range next.Overrides {
			if v.Path != "" {
				v.Path = absolutize(v.Path, layerDir)
			}
			merged[k] = v
		}
		out.Overrides = merged
	}

	if len(next.Plugins) > 0 {
		merged := make(map[string]string, len(out.Plugins)+len(next.Plugins))
		for k, v := range out.Plugins {
			merged[k] = v
		}
		for k, v := range next.Plugins {
			merged[k] = absolutize(v, layerDir)
		}
		out.Plugins = merged
	}

	return out
}

func absolutize(p, dir string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(dir, p))
}
