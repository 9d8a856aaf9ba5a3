package runtime

import (
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"echo hi", "'echo hi'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a`b`c", "'a`b`c'"},
		{`back\slash`, `'back\slash'`},
		{"line1\nline2", "'line1\nline2'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandTilde(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"~", "$HOME"},
		{"~/code", "$HOME/code"},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
		{"~user/code", "~user/code"}, // only the bare-~ forms are expanded
	}
	for _, tt := range tests {
		if got := expandTilde(tt.in); got != tt.want {
			t.Errorf("expandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRemoteCommand(t *testing.T) {
	got := remoteCommand("~/ws", nil, "git status")
	want := "cd '$HOME/ws' && bash -c 'git status'"
	if got != want {
		t.Errorf("remoteCommand = %q, want %q", got, want)
	}
}

func TestRemoteCommandNoCwd(t *testing.T) {
	got := remoteCommand("", nil, "ls")
	if got != "bash -c 'ls'" {
		t.Errorf("remoteCommand without cwd = %q", got)
	}
}

func TestRemoteCommandExportsEnv(t *testing.T) {
	got := remoteCommand("/w", map[string]string{"FOO": "a b"}, "env")
	if !strings.Contains(got, "export FOO='a b' && ") {
		t.Errorf("remoteCommand missing env export: %q", got)
	}
	if !strings.HasPrefix(got, "cd '/w' && ") {
		t.Errorf("remoteCommand should cd first: %q", got)
	}
	if !strings.HasSuffix(got, "bash -c 'env'") {
		t.Errorf("remoteCommand should end with the quoted user command: %q", got)
	}
}

func TestRemoteCommandQuotesHostileInput(t *testing.T) {
	cmd := `echo 'a'; rm -rf $X` + "\n`whoami`"
	got := remoteCommand("", nil, cmd)
	// The user command must arrive as a single quoted bash -c argument.
	want := "bash -c " + shellQuote(cmd)
	if got != want {
		t.Errorf("remoteCommand = %q, want %q", got, want)
	}
}

func TestDeleteWorkspaceCommand(t *testing.T) {
	got := deleteWorkspaceCommand("/srv/code/proj/ws", false)
	if got != "rm -r '/srv/code/proj/ws'" {
		t.Errorf("deleteWorkspaceCommand(force=false) = %q", got)
	}
	got = deleteWorkspaceCommand("/srv/code/proj/ws", true)
	if got != "rm -r -f '/srv/code/proj/ws'" {
		t.Errorf("deleteWorkspaceCommand(force=true) = %q", got)
	}
}

func TestDeleteWorkspaceCommandQuotesPath(t *testing.T) {
	got := deleteWorkspaceCommand("/srv/it's here/ws", true)
	want := "rm -r -f " + shellQuote("/srv/it's here/ws")
	if got != want {
		t.Errorf("deleteWorkspaceCommand = %q, want %q", got, want)
	}
}

func TestSSHArgsIncludeMultiplexing(t *testing.T) {
	s := NewSSH(HostConfig{Host: "build-host", Port: 2022, SrcBaseDir: "~/c", IdentityFile: "~/.ssh/id"})
	args := s.sshArgs("true")
	joined := strings.Join(args, " ")

	for _, want := range []string{"ControlMaster=auto", "-p 2022", "-i $HOME/.ssh/id", "build-host true"} {
		if !strings.Contains(joined, want) {
			t.Errorf("sshArgs = %q, missing %q", joined, want)
		}
	}
}
