package runtime

import (
	"testing"

	"github.com/coder/cmux/internal/configstore"
)

func TestDefaultResolverLocal(t *testing.T) {
	rt, err := NewDefaultResolver().Resolve(configstore.RuntimeConfig{Kind: configstore.RuntimeLocal})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, ok := rt.(*Local); !ok {
		t.Fatalf("Resolve() = %T, want *Local", rt)
	}
}

func TestDefaultResolverSSH(t *testing.T) {
	rt, err := NewDefaultResolver().Resolve(configstore.RuntimeConfig{
		Kind: configstore.RuntimeSSH,
		Host: "example.com",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, ok := rt.(*SSH); !ok {
		t.Fatalf("Resolve() = %T, want *SSH", rt)
	}
}

func TestDefaultResolverUnknownKind(t *testing.T) {
	if _, err := NewDefaultResolver().Resolve(configstore.RuntimeConfig{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown runtime kind")
	}
}
