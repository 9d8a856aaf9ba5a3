package transport

import (
	"strings"
	"testing"

	"github.com/coder/cmux/internal/agentsession"
	"github.com/coder/cmux/internal/auth"
	"github.com/coder/cmux/internal/configstore"
)

func TestRecommendTrunk(t *testing.T) {
	cases := []struct {
		branches []string
		want     string
	}{
		{nil, "main"},
		{[]string{"feature-x"}, "feature-x"},
		{[]string{"master", "feature-x"}, "master"},
		{[]string{"feature-x", "main", "master"}, "main"},
	}
	for _, c := range cases {
		if got := recommendTrunk(c.branches); got != c.want {
			t.Errorf("recommendTrunk(%v) = %q, want %q", c.branches, got, c.want)
		}
	}
}

func TestDecodeRuntimeConfig(t *testing.T) {
	cfg := decodeRuntimeConfig(nil)
	if cfg.Kind != configstore.RuntimeLocal {
		t.Fatalf("nil opts: Kind = %q, want local", cfg.Kind)
	}

	cfg = decodeRuntimeConfig(map[string]any{"kind": "ssh", "host": "box", "port": float64(22)})
	if cfg.Kind != configstore.RuntimeSSH || cfg.Host != "box" || cfg.Port != 22 {
		t.Fatalf("ssh opts decoded wrong: %+v", cfg)
	}

	cfg = decodeRuntimeConfig(map[string]any{})
	if cfg.Kind != configstore.RuntimeLocal {
		t.Fatalf("empty opts should default Kind to local, got %q", cfg.Kind)
	}
}

func TestDecodeSendOpts(t *testing.T) {
	var zero agentsession.SendOpts
	if got := decodeSendOpts(nil); got != zero {
		t.Fatalf("nil opts should be zero value, got %+v", got)
	}
	got := decodeSendOpts(map[string]any{
		"model":         "gpt-5",
		"systemPrompt":  "be terse",
		"editMessageId": "msg-1",
	})
	want := agentsession.SendOpts{Model: "gpt-5", SystemPrompt: "be terse", EditMessageID: "msg-1"}
	if got != want {
		t.Fatalf("decodeSendOpts = %+v, want %+v", got, want)
	}
}

func TestCopyCapped(t *testing.T) {
	var out strings.Builder
	var truncated bool
	copyCapped(&out, strings.NewReader("hello"), &truncated)
	if out.String() != "hello" || truncated {
		t.Fatalf("small input should not truncate: out=%q truncated=%v", out.String(), truncated)
	}

	out.Reset()
	truncated = false
	big := strings.Repeat("a", maxBashOutputBytes+10)
	copyCapped(&out, strings.NewReader(big), &truncated)
	if out.Len() != maxBashOutputBytes || !truncated {
		t.Fatalf("oversized input: len=%d truncated=%v, want len=%d truncated=true", out.Len(), truncated, maxBashOutputBytes)
	}
}

func TestCopyCappedAcrossTwoReaders(t *testing.T) {
	var out strings.Builder
	var truncated bool
	half := strings.Repeat("a", maxBashOutputBytes-5)
	copyCapped(&out, strings.NewReader(half), &truncated)
	if truncated {
		t.Fatal("first reader alone should not truncate")
	}
	copyCapped(&out, strings.NewReader("this definitely overflows the remaining budget"), &truncated)
	if !truncated {
		t.Fatal("second reader should push past the cap and set truncated")
	}
	if out.Len() != maxBashOutputBytes {
		t.Fatalf("out.Len() = %d, want %d", out.Len(), maxBashOutputBytes)
	}
}

func TestRequireProjectAccess(t *testing.T) {
	if err := requireProjectAccess(nil, "/repos/a"); err != nil {
		t.Fatalf("nil authCtx should always be allowed: %v", err)
	}

	adminCtx := &auth.AuthContext{Type: auth.AuthTypeToken, Token: &auth.Token{Scope: auth.ScopeAdmin}}
	if err := requireProjectAccess(adminCtx, "/repos/a"); err != nil {
		t.Fatalf("admin should access any project: %v", err)
	}

	scopedCtx := &auth.AuthContext{Type: auth.AuthTypeToken, Token: &auth.Token{Scope: auth.ScopeProject("/repos/a")}}
	if err := requireProjectAccess(scopedCtx, "/repos/a"); err != nil {
		t.Fatalf("scoped token should access its own project: %v", err)
	}
	if err := requireProjectAccess(scopedCtx, "/repos/b"); err == nil {
		t.Fatal("scoped token should not access a different project")
	}
}

func TestRequireWrite(t *testing.T) {
	if err := requireWrite(nil); err != nil {
		t.Fatalf("nil authCtx should always allow writes: %v", err)
	}
	roCtx := &auth.AuthContext{Type: auth.AuthTypeToken, Token: &auth.Token{Scope: auth.ScopeAdminRO}}
	if err := requireWrite(roCtx); err == nil {
		t.Fatal("read-only scope should reject writes")
	}
	rwCtx := &auth.AuthContext{Type: auth.AuthTypeToken, Token: &auth.Token{Scope: auth.ScopeAdmin}}
	if err := requireWrite(rwCtx); err != nil {
		t.Fatalf("admin scope should permit writes: %v", err)
	}
}
