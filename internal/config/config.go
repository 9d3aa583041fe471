// Package config loads toolgate configuration.
// Configuration source priority (highest to lowest):
// 1. Environment variables (TOOLGATE_ROLE, TOOLGATE_API_KEY, OPENAI_API_KEY)
// 2. Project files under <root>/.toolgate/ (policy.yml, roles.yml)
// 3. Global files under ~/.config/toolgate/ (config.yml)
// Built-in defaults apply wherever a file or field is absent.
package config

import (
	"os"
	"path/filepath"
)

// ProjectDirName is the per-project configuration directory.
const ProjectDirName = ".toolgate"

// GlobalDir returns the per-user configuration directory,
// ~/.config/toolgate. HOME resolution failures fall back to /tmp so the gate
// still functions in stripped-down environments.
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".config", "toolgate")
}

// ProjectDir returns <root>/.toolgate.
func ProjectDir(projectRoot string) string {
	return filepath.Join(projectRoot, ProjectDirName)
}

// FindProjectRoot walks upward from start looking for a directory containing
// .toolgate/ or .git/. If neither is found, start itself is returned.
func FindProjectRoot(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	for {
		if isDir(filepath.Join(dir, ProjectDirName)) || isDir(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
