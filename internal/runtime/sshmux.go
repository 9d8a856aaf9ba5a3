package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// HostConfig identifies an SSH destination and the multiplex identity
// that should be shared across operations targeting it.
type HostConfig struct {
	Host         string
	Port         int    // 0 means "use default 22"
	SrcBaseDir   string
	IdentityFile string // "" means "use default"
}

func (c HostConfig) canonicalPort() string {
	if c.Port == 0 {
		return "22"
	}
	return strconv.Itoa(c.Port)
}

func (c HostConfig) canonicalIdentity() string {
	if c.IdentityFile == "" {
		return "default"
	}
	return c.IdentityFile
}

// ControlPath returns the deterministic control-socket path for this
// host config: <tmpdir>/cmux-ssh-<hash12>, where hash12 is the first 12
// hex chars of SHA-256(host:port:srcBaseDir:identityFile). Identical
// configs (after canonicalization) always produce the same path, which
// is what lets OpenSSH's ControlMaster share one connection across
// concurrent operations.
func ControlPath(cfg HostConfig) string {
	key := fmt.Sprintf("%s:%s:%s:%s", cfg.Host, cfg.canonicalPort(), cfg.SrcBaseDir, cfg.canonicalIdentity())
	sum := sha256.Sum256([]byte(key))
	hash12 := hex.EncodeToString(sum[:])[:12]
	return filepath.Join(os.TempDir(), "cmux-ssh-"+hash12)
}

// MultiplexArgs returns the ssh(1) flags that enable connection reuse
// for cfg. ControlPersist keeps the master alive for 60s after the last
// client disconnects so a burst of operations on the same host shares
// one TCP/auth handshake.
func MultiplexArgs(cfg HostConfig) []string {
	return []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + ControlPath(cfg),
		"-o", "ControlPersist=60",
	}
}
