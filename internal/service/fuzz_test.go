package service

import "testing"

func FuzzParseListeningPorts_AlwaysSortedInRange(f *testing.F) {
	f.Add("   0: 00000000:1F90 00000000:0000 0A x x\n")
	f.Add("  sl  local_address rem_address   st\ngarbage line\n")
	f.Add("   0: 00000000:0000 00000000:0000 0A\n")
	f.Add("   0: 00000000:FFFF 00000000:0000 0A x x\n   1: 00000000:0050 00000000:0000 0A x x\n")
	f.Add("")
	f.Add(":::")

	f.Fuzz(func(t *testing.T, in string) {
		ports := ParseListeningPorts(in)
		for i, p := range ports {
			if p <= 0 || p > 65535 {
				t.Fatalf("port %d out of range in %v", p, ports)
			}
			if i > 0 && ports[i-1] >= p {
				t.Fatalf("ports not sorted or deduplicated: %v", ports)
			}
		}
	})
}
