//go:build unit

package bundle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblems_Paths(t *testing.T) {
	p := newProblems("")
	p.required("name", "")
	v := p.sub("variants[1]")
	v.addf("workDir", "bad")
	v.sub("runtimeToolchain").digest("installerDigest", "md5:abc")
	p.sub("upstream").url("url", "ftp://mirror/x.tar.gz")

	err := p.err()
	require.Error(t, err)

	var invalid *InvalidSpecError
	require.True(t, errors.As(err, &invalid))
	require.Len(t, invalid.Problems, 4)

	fields := make([]string, 0, len(invalid.Problems))
	for _, pr := range invalid.Problems {
		var fe *FieldError
		require.True(t, errors.As(pr, &fe))
		fields = append(fields, fe.Field)
	}
	assert.Equal(t, []string{
		"name",
		"variants[1].workDir",
		"variants[1].runtimeToolchain.installerDigest",
		"upstream.url",
	}, fields)
	assert.Contains(t, err.Error(), "invalid bundle spec (4 problems):")
	assert.Contains(t, err.Error(), "upstream.url: unsupported scheme \"ftp\"")
}

func TestProblems_Empty(t *testing.T) {
	p := newProblems("upstream")
	p.required("version", "25.0")
	p.digest("digest", testDigest)
	p.arch("arch", "arm-linux-gnueabihf")
	assert.True(t, p.url("url", "https://bitcoincore.org/bin/x.tar.gz"))
	assert.NoError(t, p.err())
}

func TestProblems_SingleProblemMessage(t *testing.T) {
	p := newProblems("source")
	p.addf("ref", "requires repo")
	assert.EqualError(t, p.err(), "source.ref: requires repo")
}
