package runtime

import (
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/orcherr"
)

// DefaultResolver constructs a Runtime from a configstore.RuntimeConfig,
// satisfying internal/workspace's RuntimeResolver and giving
// internal/transport the same construction path for ad-hoc operations
// (workspace:executeBash, project:listBranches) that don't go through
// WorkspaceLifecycle.
type DefaultResolver struct{}

func NewDefaultResolver() DefaultResolver { return DefaultResolver{} }

// Resolve returns the Runtime implementation for cfg.Kind. Each call
// returns a fresh instance; local Runtimes are stateless, and SSH
// Runtimes share their control socket via ControlPath regardless of
// which instance issues a command.
func (DefaultResolver) Resolve(cfg configstore.RuntimeConfig) (Runtime, error) {
	switch cfg.Kind {
	case configstore.RuntimeSSH:
		return NewSSH(HostConfig{
			Host:         cfg.Host,
			Port:         cfg.Port,
			SrcBaseDir:   cfg.SrcBaseDir,
			IdentityFile: cfg.IdentityFile,
		}), nil
	case configstore.RuntimeLocal, "":
		return NewLocal(), nil
	default:
		return nil, orcherr.Validation("unknown runtime kind %q", cfg.Kind)
	}
}
