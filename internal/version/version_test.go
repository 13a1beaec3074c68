package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString_ShortensCommit(t *testing.T) {
	i := Info{
		Version:   "1.2.0",
		Commit:    "0123456789abcdef0123",
		BuildDate: "2026-08-29",
		Platform:  "linux/arm64",
	}

	s := i.String()
	assert.Contains(t, s, "bramble 1.2.0")
	assert.Contains(t, s, "commit 0123456789ab,")
	assert.Contains(t, s, "linux/arm64")
}

func TestGet_FillsToolchainFields(t *testing.T) {
	i := Get()
	assert.Equal(t, "dev", i.Version)
	assert.NotEmpty(t, i.GoVersion)
	assert.Contains(t, i.Platform, "/")
}
