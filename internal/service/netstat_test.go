package service

import (
	"reflect"
	"testing"
)

func TestParseListeningPorts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []int
	}{
		{
			name: "listen entries only",
			in: "  sl  local_address rem_address   st tx_queue rx_queue\n" +
				"   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000\n" +
				"   1: 0100007F:0016 0100007F:8A42 01 00000000:00000000 00:00000000\n" +
				"   2: 00000000000000000000000000000000:0BB8 00000000000000000000000000000000:0000 0A 00000000:00000000\n",
			want: []int{3000, 8080},
		},
		{
			name: "duplicates across v4 and v6",
			in: "   0: 00000000:1F90 00000000:0000 0A x x\n" +
				"   1: 00000000000000000000000000000000:1F90 00000000000000000000000000000000:0000 0A x x\n",
			want: []int{8080},
		},
		{
			name: "malformed lines skipped",
			in: "garbage\n" +
				"   0: noport 00000000:0000 0A x x\n" +
				"   1: 00000000:ZZZZ 00000000:0000 0A x x\n" +
				"   2: 00000000:0000 00000000:0000 0A x x\n",
			want: []int{},
		},
		{
			name: "empty input",
			in:   "",
			want: []int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseListeningPorts(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseListeningPorts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergePorts(t *testing.T) {
	got := mergePorts([]int{8080, 3000}, []int{3000, 443})
	want := []int{443, 3000, 8080}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergePorts() = %v, want %v", got, want)
	}
}

func TestExportPrefix(t *testing.T) {
	tests := []struct {
		name string
		env  []string
		want string
	}{
		{"empty", nil, ""},
		{"single", []string{"PORT=8080"}, "export PORT='8080'; "},
		{"quote escaped", []string{"MSG=it's"}, `export MSG='it'\''s'; `},
		{"equals in value", []string{"OPTS=a=b"}, "export OPTS='a=b'; "},
		{"missing separator skipped", []string{"BROKEN", "A=1"}, "export A='1'; "},
		{"empty key skipped", []string{"=x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exportPrefix(tt.env); got != tt.want {
				t.Errorf("exportPrefix(%v) = %q, want %q", tt.env, got, tt.want)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"web", "web"},
		{"Web Server", "web-server"},
		{"db_2", "db-2"},
		{"", "svc"},
		{"***", "---"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
