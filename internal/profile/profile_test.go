package profile_test

import (
	"context"
	"strings"
	"testing"

	"workbox/internal/profile"
)

func TestLoad(t *testing.T) {
	data := []byte(`
services:
  web:
    command: ["python", "-m", "http.server", "8080"]
    environment:
      PORT: "8080"
      DEBUG: "1"
    ports:
      - "8080:8080"
  worker:
    command: ["node", "worker.js"]
`)
	p, err := profile.Load(context.Background(), data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(p.Services))
	}

	// Sorted by name.
	web, worker := p.Services[0], p.Services[1]
	if web.Name != "web" || worker.Name != "worker" {
		t.Fatalf("unexpected order: %q, %q", web.Name, worker.Name)
	}
	if web.Command != "python -m http.server 8080" {
		t.Errorf("unexpected command %q", web.Command)
	}
	if len(web.Env) != 2 || web.Env[0] != "DEBUG=1" || web.Env[1] != "PORT=8080" {
		t.Errorf("unexpected env %v", web.Env)
	}
	if len(web.Ports) != 1 || web.Ports[0] != 8080 {
		t.Errorf("unexpected ports %v", web.Ports)
	}
	if len(worker.Env) != 0 || len(worker.Ports) != 0 {
		t.Errorf("worker should have no env or ports: %+v", worker)
	}
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "empty",
			yaml:    "services: {}\n",
			wantErr: "no services",
		},
		{
			name: "image not supported",
			yaml: `
services:
  db:
    image: postgres:16
    command: ["postgres"]
`,
			wantErr: "images are not supported",
		},
		{
			name: "volumes not supported",
			yaml: `
services:
  web:
    command: ["serve"]
    volumes:
      - ./data:/data
`,
			wantErr: "volumes are not supported",
		},
		{
			name: "command required",
			yaml: `
services:
  web:
    environment:
      A: "1"
`,
			wantErr: "command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := profile.Load(context.Background(), []byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := profile.Load(context.Background(), []byte("services: [not a map"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}
