package control

import (
	"testing"
	"time"
)

func TestBuildCommandLine(t *testing.T) {
	tests := []struct {
		name string
		req  ExecRequest
		want string
	}{
		{
			name: "bare command",
			req:  ExecRequest{Command: "uptime"},
			want: "uptime",
		},
		{
			name: "args quoted when needed",
			req:  ExecRequest{Command: "echo", Args: []string{"hello world", "plain"}},
			want: "echo 'hello world' plain",
		},
		{
			name: "working directory prefix",
			req:  ExecRequest{Command: "ls", WorkingDir: "/srv/app"},
			want: "cd /srv/app && ls",
		},
		{
			name: "env assignments sorted",
			req: ExecRequest{
				Command: "run",
				Env:     map[string]string{"B": "2", "A": "1"},
			},
			want: "A=1 B=2 run",
		},
		{
			name: "everything together",
			req: ExecRequest{
				Command:    "make",
				Args:       []string{"build"},
				Env:        map[string]string{"CC": "clang"},
				WorkingDir: "/src",
			},
			want: "cd /src && CC=clang make build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCommandLine(tt.req); got != tt.want {
				t.Errorf("buildCommandLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWaitForSSHTimesOut(t *testing.T) {
	start := time.Now()
	err := waitForSSH("127.0.0.1:1", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("waitForSSH took %v", elapsed)
	}
}
