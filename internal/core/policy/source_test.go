package policy

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"canopy-ads/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileSourceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "platforms:\n  facebook:\n    allowed: false\n    restricted_terms: [cbd]")

	src, err := NewFileSource(path, testLogger())
	require.NoError(t, err)

	before := src.Current()
	fb, ok := before.Policy(domain.PlatformFacebook)
	require.True(t, ok)
	require.Len(t, fb.Rules, 1)

	writePolicy(t, path, "platforms:\n  facebook:\n    allowed: false\n    restricted_terms: [cbd, hemp]")
	require.NoError(t, src.Reload())

	after, _ := src.Current().Policy(domain.PlatformFacebook)
	require.Len(t, after.Rules, 2)

	// The snapshot handed out before the reload is untouched.
	stale, _ := before.Policy(domain.PlatformFacebook)
	require.Len(t, stale.Rules, 1)
}

func TestReloadKeepsTableOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "platforms:\n  weedmaps:\n    allowed: true")

	src, err := NewFileSource(path, testLogger())
	require.NoError(t, err)

	writePolicy(t, path, "{{{ not yaml")
	require.Error(t, src.Reload())

	_, ok := src.Current().Policy(domain.PlatformWeedmaps)
	require.True(t, ok, "previous table must survive a bad reload")
}

func TestNewFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	require.Error(t, err)
}

func TestBuiltinSourceReloadIsNoop(t *testing.T) {
	src := NewSource(Builtin(), testLogger())
	require.NoError(t, src.Reload())
	require.Equal(t, 5, src.Current().Len())
}
