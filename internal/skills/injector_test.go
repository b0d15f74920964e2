package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/domain"
)

func TestResolveMention(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "review"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review", "VERSION"), []byte("1.2.0\n"), 0o644))

	inj := &DirInjector{Dir: dir}
	payload, err := inj.Resolve(context.Background(), "@review")
	require.NoError(t, err)
	assert.Equal(t, "@review", payload.Mention)
	assert.Equal(t, "review", payload.SkillID)
	assert.Equal(t, "1.2.0", payload.Version)
}

func TestResolveWithoutVersionFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plain"), 0o755))

	inj := &DirInjector{Dir: dir}
	payload, err := inj.Resolve(context.Background(), "plain")
	require.NoError(t, err)
	assert.Empty(t, payload.Version)
}

func TestResolveUnknownOrEmpty(t *testing.T) {
	inj := &DirInjector{Dir: t.TempDir()}

	_, err := inj.Resolve(context.Background(), "@ghost")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	_, err = inj.Resolve(context.Background(), "@")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
