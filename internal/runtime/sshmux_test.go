package runtime

import (
	"strings"
	"testing"
)

func TestControlPathStableAcrossDefaults(t *testing.T) {
	explicit := HostConfig{Host: "h", Port: 22, SrcBaseDir: "~/c"}
	implicit := HostConfig{Host: "h", SrcBaseDir: "~/c"}

	if got, want := ControlPath(explicit), ControlPath(implicit); got != want {
		t.Errorf("ControlPath with explicit port 22 = %q, with default port = %q; want equal", got, want)
	}
}

func TestControlPathDiffersByIdentityFile(t *testing.T) {
	base := HostConfig{Host: "h", SrcBaseDir: "~/c"}
	keyed := HostConfig{Host: "h", SrcBaseDir: "~/c", IdentityFile: "/k"}

	if ControlPath(base) == ControlPath(keyed) {
		t.Error("ControlPath should differ when identityFile differs")
	}
}

func TestControlPathDiffersByHostPortAndBaseDir(t *testing.T) {
	base := HostConfig{Host: "h", SrcBaseDir: "~/c"}
	variants := []HostConfig{
		{Host: "h2", SrcBaseDir: "~/c"},
		{Host: "h", Port: 2222, SrcBaseDir: "~/c"},
		{Host: "h", SrcBaseDir: "~/d"},
	}
	for _, v := range variants {
		if ControlPath(base) == ControlPath(v) {
			t.Errorf("ControlPath(%+v) should differ from ControlPath(%+v)", v, base)
		}
	}
}

func TestControlPathShape(t *testing.T) {
	p := ControlPath(HostConfig{Host: "example.com", SrcBaseDir: "/srv/code"})
	idx := strings.LastIndex(p, "cmux-ssh-")
	if idx == -1 {
		t.Fatalf("ControlPath %q missing cmux-ssh- prefix", p)
	}
	hash := p[idx+len("cmux-ssh-"):]
	if len(hash) != 12 {
		t.Errorf("ControlPath hash %q length = %d, want 12", hash, len(hash))
	}
	for _, r := range hash {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("ControlPath hash %q contains non-hex rune %q", hash, r)
		}
	}
}

func TestMultiplexArgs(t *testing.T) {
	cfg := HostConfig{Host: "h", SrcBaseDir: "~/c"}
	args := MultiplexArgs(cfg)
	joined := strings.Join(args, " ")
	for _, want := range []string{"ControlMaster=auto", "ControlPath=" + ControlPath(cfg), "ControlPersist=60"} {
		if !strings.Contains(joined, want) {
			t.Errorf("MultiplexArgs = %q, missing %q", joined, want)
		}
	}
}
