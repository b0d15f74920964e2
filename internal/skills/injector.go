// Package skills resolves skill-bundle mentions to identities. The payload
// it produces is logged verbatim; the runtime never parses bundle content.
package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/runforge/runforge/internal/domain"
)

// Injector resolves a mention ("@review") to a skill identity.
type Injector interface {
	Resolve(ctx context.Context, mention string) (*domain.SkillInjectedPayload, error)
}

// DirInjector discovers bundles as subdirectories of a skills directory. The
// directory name is the skill id; an optional VERSION file names the version.
type DirInjector struct {
	Dir string
}

// Resolve maps "@name" (or "name") to the bundle directory of that name.
func (d *DirInjector) Resolve(ctx context.Context, mention string) (*domain.SkillInjectedPayload, error) {
	name := strings.TrimPrefix(strings.TrimSpace(mention), "@")
	if name == "" {
		return nil, domain.Errorf(domain.KindValidation, "empty skill mention")
	}
	path := filepath.Join(d.Dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, domain.Errorf(domain.KindNotFound, "skill %s not found", name)
	}

	payload := &domain.SkillInjectedPayload{
		Mention: mention,
		SkillID: name,
		Path:    path,
	}
	if v, err := os.ReadFile(filepath.Join(path, "VERSION")); err == nil {
		payload.Version = strings.TrimSpace(string(v))
	}
	return payload, nil
}
