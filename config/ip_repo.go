package config

import (
	"os"
	"path/filepath"

	"github.com/pulp-platform/bender/manifest"
)

// IPRepoEnvVar is the environment variable holding a colon-separated list
// of search directories consulted before any network operation when
// resolving a dependency by name (spec §6 "Environment").
const IPRepoEnvVar = "BENDER_IP_REPO_PATH"

// FindInIPRepoPath searches the directories named by BENDER_IP_REPO_PATH
// for a manifest naming depName, per spec §6: either
// "<dir>/<name>/Bender.yml" or "<dir>/Bender.yml" whose own manifest
// names the dependency. Empty components and non-existent directories
// are silently ignored; the first directory (in env-var order) with a
// match wins.
func FindInIPRepoPath(depName manifest.Name) (path string, found bool) {
	raw := os.Getenv(IPRepoEnvVar)
	if raw == "" {
		return "", false
	}

	for _, dir := range filepath.SplitList(raw) {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}

		nested := filepath.Join(dir, string(depName), "Bender.yml")
		if fileExists(nested) {
			return nested, true
		}

		direct := filepath.Join(dir, "Bender.yml")
		if fileExists(direct) {
			m, _, err := manifest.ParseFile(direct, false)
			if err == nil && m.Name == depName {
				return direct, true
			}
		}
	}

	return "", false
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
