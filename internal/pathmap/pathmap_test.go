package pathmap

import (
	"strings"
	"testing"

	"workbox"
)

func TestSessionDir(t *testing.T) {
	tr := New("/var/lib/workbox/sessions")

	dir, err := tr.SessionDir(workbox.SessionKey{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("SessionDir: %v", err)
	}
	if dir != "/var/lib/workbox/sessions/u1/s1" {
		t.Fatalf("unexpected dir %q", dir)
	}
}

func TestSessionDirRejectsBadKeys(t *testing.T) {
	tr := New("/data")

	bad := []workbox.SessionKey{
		{UserID: "", SessionID: "s1"},
		{UserID: "u1", SessionID: ""},
		{UserID: "../evil", SessionID: "s1"},
		{UserID: "u1", SessionID: "a/b"},
		{UserID: "u1", SessionID: ".."},
		{UserID: "u\x00one", SessionID: "s1"},
		{UserID: strings.Repeat("x", 200), SessionID: "s1"},
	}
	for _, key := range bad {
		if _, err := tr.SessionDir(key); err == nil {
			t.Errorf("SessionDir(%q/%q): expected error", key.UserID, key.SessionID)
		}
	}
}

func TestHostPath(t *testing.T) {
	tr := New("/data")
	key := workbox.SessionKey{UserID: "u1", SessionID: "s1"}

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{name: "empty means workspace root", rel: "", want: "/data/u1/s1"},
		{name: "relative file", rel: "src/main.py", want: "/data/u1/s1/src/main.py"},
		{name: "dot-prefixed", rel: "./out.txt", want: "/data/u1/s1/out.txt"},
		{name: "absolute under workspace", rel: "/workspace/a/b", want: "/data/u1/s1/a/b"},
		{name: "workspace root itself", rel: "/workspace", want: "/data/u1/s1"},
		{name: "inner dotdot that stays inside", rel: "a/b/../c", want: "/data/u1/s1/a/c"},
		{name: "escape via dotdot", rel: "../other", wantErr: true},
		{name: "escape via nested dotdot", rel: "a/../../other", wantErr: true},
		{name: "absolute outside workspace", rel: "/etc/passwd", wantErr: true},
		{name: "workspace prefix without separator", rel: "/workspacex/a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.HostPath(key, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("HostPath(%q) = %q, expected error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("HostPath(%q): %v", tt.rel, err)
			}
			if got != tt.want {
				t.Fatalf("HostPath(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

func TestContainerPath(t *testing.T) {
	tr := New("/data")

	got, err := tr.ContainerPath("src/main.py")
	if err != nil {
		t.Fatalf("ContainerPath: %v", err)
	}
	if got != "/workspace/src/main.py" {
		t.Fatalf("ContainerPath = %q", got)
	}

	if got, err = tr.ContainerPath(""); err != nil || got != "/workspace" {
		t.Fatalf("ContainerPath(\"\") = %q, %v", got, err)
	}
}

// FuzzHostPath checks that no input resolves outside the session directory.
func FuzzHostPath(f *testing.F) {
	f.Add("src/main.py")
	f.Add("../../etc/shadow")
	f.Add("/workspace/../root")
	f.Add("a/b/../../..")
	f.Add("./")

	tr := New("/data")
	key := workbox.SessionKey{UserID: "u1", SessionID: "s1"}
	f.Fuzz(func(t *testing.T, rel string) {
		got, err := tr.HostPath(key, rel)
		if err != nil {
			return
		}
		if got != "/data/u1/s1" && !strings.HasPrefix(got, "/data/u1/s1/") {
			t.Fatalf("HostPath(%q) = %q escapes the session dir", rel, got)
		}
	})
}
