package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/domain"
)

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}))
	assert.True(t, r.Known("echo"))
	assert.False(t, r.Known("nope"))

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(out))
}

func TestRegisterRejectsDuplicatesAndEmpty(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }

	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("x", nil))
	require.NoError(t, r.Register("x", noop))
	assert.Error(t, r.Register("x", noop))
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestWorkspaceReadWriteList(t *testing.T) {
	ctx := context.Background()
	r := NewWorkspaceRegistry(t.TempDir())

	_, err := r.Execute(ctx, "fs.write", json.RawMessage(`{"path":"notes/a.txt","content":"hello"}`))
	require.NoError(t, err)

	out, err := r.Execute(ctx, "fs.read", json.RawMessage(`{"path":"notes/a.txt"}`))
	require.NoError(t, err)
	var read struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(out, &read))
	assert.Equal(t, "hello", read.Content)

	out, err = r.Execute(ctx, "fs.list", json.RawMessage(`{"path":"notes"}`))
	require.NoError(t, err)
	var listed struct {
		Entries []string `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(out, &listed))
	assert.Equal(t, []string{"a.txt"}, listed.Entries)
}

func TestWorkspaceRefusesEscape(t *testing.T) {
	ctx := context.Background()
	r := NewWorkspaceRegistry(t.TempDir())

	_, err := r.Execute(ctx, "fs.read", json.RawMessage(`{"path":"../../etc/passwd"}`))
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = r.Execute(ctx, "fs.write", json.RawMessage(`{"path":"../out.txt","content":"x"}`))
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestWorkspaceReadMissingFile(t *testing.T) {
	ctx := context.Background()
	r := NewWorkspaceRegistry(t.TempDir())

	_, err := r.Execute(ctx, "fs.read", json.RawMessage(`{"path":"missing.txt"}`))
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
