// Package project provides workspace root detection and path utilities.
package project

import (
	"os"
	"path/filepath"
)

// FindRoot detects the workspace root by walking up the directory tree.
// It looks for markers in this order:
//  1. promptloom.yaml config file
//  2. .promptloom data directory
//  3. .git directory
//
// If no marker is found, returns the current working directory.
func FindRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return FindRootFrom(wd)
}

// FindRootFrom detects the workspace root starting from the given directory.
func FindRootFrom(startDir string) string {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return startDir
	}

	for {
		if isWorkspaceRoot(dir) {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, use original directory
			break
		}
		dir = parent
	}

	abs, err := filepath.Abs(startDir)
	if err != nil {
		return startDir
	}
	return abs
}

// isWorkspaceRoot checks if a directory contains workspace markers.
func isWorkspaceRoot(dir string) bool {
	markers := []string{
		filepath.Join(dir, "promptloom.yaml"),
		filepath.Join(dir, ".promptloom"),
		filepath.Join(dir, ".git"),
	}

	for _, marker := range markers {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}

// DataDir returns the data directory for a given workspace root.
// Format: {root}/.promptloom
func DataDir(root string) string {
	return filepath.Join(root, ".promptloom")
}

// DBPath returns the database path for a given workspace root.
// Format: {root}/.promptloom/studio.db
func DBPath(root string) string {
	return filepath.Join(DataDir(root), "studio.db")
}

// ConfigPath returns the workspace config file path if one exists, else "".
func ConfigPath(root string) string {
	path := filepath.Join(root, "promptloom.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
