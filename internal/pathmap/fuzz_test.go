package pathmap

import (
	"strings"
	"testing"

	"workbox"
)

func FuzzHostPath_NeverEscapesSessionDir(f *testing.F) {
	f.Add("src/main.go")
	f.Add("/workspace/src")
	f.Add("../../../etc/passwd")
	f.Add("./a/../b")
	f.Add("")
	f.Add("/etc/passwd")
	f.Add("a/..../b")
	f.Add("/workspace/../other")

	tr := New("/var/lib/workbox/sessions")
	key := workbox.SessionKey{UserID: "alice", SessionID: "dev"}
	dir, err := tr.SessionDir(key)
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, rel string) {
		host, err := tr.HostPath(key, rel)
		if err != nil {
			return
		}
		if host != dir && !strings.HasPrefix(host, dir+"/") {
			t.Fatalf("HostPath(%q) = %q escapes session dir %q", rel, host, dir)
		}

		ctr, err := tr.ContainerPath(rel)
		if err != nil {
			t.Fatalf("ContainerPath(%q) failed after HostPath accepted it: %v", rel, err)
		}
		if ctr != WorkspaceTarget && !strings.HasPrefix(ctr, WorkspaceTarget+"/") {
			t.Fatalf("ContainerPath(%q) = %q escapes %q", rel, ctr, WorkspaceTarget)
		}
	})
}
