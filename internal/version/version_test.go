package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = prev })
}

func TestResolvePrefersLinkerFlags(t *testing.T) {
	Version, Commit = "v1.2.0", "0123456789abcdef0123"
	t.Cleanup(func() { Version, Commit = "", "" })
	stubBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.0.1"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}},
	})

	info := Resolve()
	assert.Equal(t, "v1.2.0", info.Version)
	assert.Equal(t, "0123456789abcdef0123", info.Commit)
	assert.Equal(t, "v1.2.0 (0123456789ab)", String())
}

func TestResolveFallsBackToBuildInfo(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	info := Resolve()
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "2026-01-02T03:04:05Z", info.BuildTime)
	assert.True(t, info.Modified)
	assert.Equal(t, "dev (abc123+dirty)", String())
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil)
	info := Resolve()
	assert.Equal(t, "dev", info.Version)
	assert.Empty(t, info.Commit)
	assert.NotEmpty(t, info.GoVersion)
}
