package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/runforge/runforge/internal/domain"
)

// NewWorkspaceRegistry builds the builtin tool set scoped to one workspace
// root. Paths outside the root are validation errors.
func NewWorkspaceRegistry(root string) *Registry {
	r := NewRegistry()

	r.MustRegister("fs.read", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, domain.WrapErr(domain.KindValidation, err, "fs.read args")
		}
		path, err := resolve(root, req.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, domain.Errorf(domain.KindNotFound, "%s not found", req.Path)
			}
			return nil, err
		}
		out, _ := json.Marshal(map[string]string{"content": string(data)})
		return out, nil
	})

	r.MustRegister("fs.write", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, domain.WrapErr(domain.KindValidation, err, "fs.write args")
		}
		path, err := resolve(root, req.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
			return nil, err
		}
		out, _ := json.Marshal(map[string]any{"path": req.Path, "bytes": len(req.Content)})
		return out, nil
	})

	r.MustRegister("fs.list", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Path string `json:"path"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, domain.WrapErr(domain.KindValidation, err, "fs.list args")
			}
		}
		if req.Path == "" {
			req.Path = "."
		}
		path, err := resolve(root, req.Path)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		out, _ := json.Marshal(map[string]any{"entries": names})
		return out, nil
	})

	return r
}

// resolve joins a workspace-relative path and refuses escapes.
func resolve(root, rel string) (string, error) {
	if rel == "" {
		return "", domain.Errorf(domain.KindValidation, "path is required")
	}
	path := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if path != cleanRoot && !strings.HasPrefix(path, cleanRoot+string(filepath.Separator)) {
		return "", domain.Errorf(domain.KindValidation, "path %s escapes the workspace", rel)
	}
	return path, nil
}
