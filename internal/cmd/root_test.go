package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRootCommand(t *testing.T) {
	out, _, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "rhythm")
	assert.Contains(t, out, "BEAT")
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "rhythm", cmd.Use)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"simulate", "decode", "hash", "slots", "flush"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCommand_InvalidConfigFails(t *testing.T) {
	path := writeConfig(t, "byte_cap: 10\n")
	_, _, err := execute(t, "hash", "--config", path, "/about")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid configuration"), err.Error())
}

func TestRootCommand_UnknownSurfaceFlag(t *testing.T) {
	_, _, err := execute(t, "hash", "--surface", "floppy", "/about")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}
