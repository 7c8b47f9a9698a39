package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// modulePath identifies a rhythm checkout by its go.mod.
const modulePath = "github.com/harrison/rhythm"

// GetRhythmHome returns the rhythm home directory
// Priority order:
//  1. RHYTHM_HOME environment variable (if set)
//  2. rhythm repository root (detected by finding go.mod)
//  3. Current working directory (fallback)
//
// The directory is created if it doesn't exist
func GetRhythmHome() (string, error) {
	if home := os.Getenv("RHYTHM_HOME"); home != "" {
		return home, nil
	}

	base, err := findRepoRoot()
	if err != nil || base == "" {
		base, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
	}

	home := filepath.Join(base, ".rhythm")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create rhythm home directory: %w", err)
	}
	return home, nil
}

// findRepoRoot walks up from the working directory looking for a
// .rhythm-root marker or a go.mod declaring the rhythm module
func findRepoRoot() (string, error) {
	current, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(current, ".rhythm-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "module "+modulePath+"\n") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("rhythm repository root not found (looking for .rhythm-root or go.mod with %s)", modulePath)
}

// GetStorageDir returns the default directory of the file surface
// Always returns: $RHYTHM_HOME/surface
func GetStorageDir() (string, error) {
	home, err := GetRhythmHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "surface"), nil
}

// GetSQLitePath returns the default database of the sqlite surface
// Always returns: $RHYTHM_HOME/surface.db
func GetSQLitePath() (string, error) {
	home, err := GetRhythmHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "surface.db"), nil
}

// GetLogDir returns the default run log directory, creating it if needed
func GetLogDir() (string, error) {
	home, err := GetRhythmHome()
	if err != nil {
		return "", err
	}

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return logDir, nil
}
