//go:build unit

package imageengine

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/nodebundle/internal/assemble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)
	assert.Equal(t, EngineNone, e.Name())

	ref, err := e.Build(context.Background(), assemble.Image{}, io.Discard)
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.NoError(t, e.Probe(context.Background(), "", []string{"ord"}, io.Discard))

	_, err = New("kaniko")
	require.ErrorIs(t, err, errUnknownEngine)
}

func TestProbeScript(t *testing.T) {
	bin := t.TempDir()
	for _, name := range []string{"bitcoind", "ord"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755))
	}

	run := func(executables ...string) (string, error) {
		cmd := exec.Command("sh", "-c", ProbeScript(executables))
		cmd.Env = []string{"PATH=" + bin}
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	_, err := run("bitcoind", "ord")
	assert.NoError(t, err)

	out, err := run("bitcoind", "ord", "sync")
	require.Error(t, err)
	assert.Equal(t, "missing: sync\n", out)
}
