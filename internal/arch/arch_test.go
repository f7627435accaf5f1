//go:build unit

package arch

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse("arm-linux-gnueabihf")
	require.NoError(t, err)
	assert.Equal(t, "linux/arm/v7", a.Platform)
	assert.Equal(t, "armv7-unknown-linux-gnueabihf", a.RustTarget)
	assert.Equal(t, "arm", a.GOARCH)

	_, err = Parse("sparc-sun-solaris")
	assert.ErrorIs(t, err, ErrUnknownArch)
}

func TestFromGOARCH(t *testing.T) {
	a, err := FromGOARCH("amd64")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-linux-gnu", a.Triplet)

	_, err = FromGOARCH("wasm")
	assert.ErrorIs(t, err, ErrUnknownArch)
}

func TestTripletsSorted(t *testing.T) {
	triplets := Triplets()
	assert.Len(t, triplets, len(known))
	assert.IsNonDecreasing(t, triplets)
}

func TestCheckELF(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is only an ELF file on linux")
	}

	host, err := Host()
	if err != nil {
		t.Skipf("host architecture not supported: %v", err)
	}

	self, err := os.Executable()
	require.NoError(t, err)

	t.Run("matching architecture", func(t *testing.T) {
		assert.NoError(t, CheckELF(self, host))
	})

	t.Run("arm binary in another runtime is a mismatch", func(t *testing.T) {
		other := "arm-linux-gnueabihf"
		if host.Triplet == other {
			other = "x86_64-linux-gnu"
		}
		want, err := Parse(other)
		require.NoError(t, err)

		err = CheckELF(self, want)
		var mismatch *MismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, host.Triplet, mismatch.Got)
		assert.Equal(t, other, mismatch.Want.Triplet)
	})

	t.Run("script is not an ELF executable", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "script")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o755))
		assert.ErrorIs(t, CheckELF(script, host), ErrNotELF)
	})
}
