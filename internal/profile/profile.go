// Package profile loads a session profile: a compose file declaring the
// background services to start inside a sandbox with `workbox up`. Only
// the command-level subset of the compose format applies; everything runs
// in the session's single container, so image, volume, and network
// declarations are rejected.
package profile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

// Filename is the profile file looked up in the workspace root.
const Filename = "workbox.yaml"

// Service is one declared background service.
type Service struct {
	Name    string
	Command string
	Env     []string
	Ports   []int
}

// Profile is the parsed, validated set of services, ordered by name for
// deterministic startup.
type Profile struct {
	Services []Service
}

// Load parses compose YAML into a Profile.
func Load(ctx context.Context, data []byte) (*Profile, error) {
	details := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{{Filename: Filename, Content: data}},
	}
	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SkipValidation = true
		o.SetProjectName("workbox", true)
	})
	if err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("profile declares no services")
	}

	p := &Profile{}
	for name, svc := range project.Services {
		s, err := normalize(name, svc)
		if err != nil {
			return nil, err
		}
		p.Services = append(p.Services, s)
	}
	sort.Slice(p.Services, func(i, j int) bool { return p.Services[i].Name < p.Services[j].Name })
	return p, nil
}

func normalize(name string, svc compose.ServiceConfig) (Service, error) {
	if svc.Image != "" {
		return Service{}, fmt.Errorf("service %q: images are not supported, services run in the session container", name)
	}
	if len(svc.Volumes) > 0 {
		return Service{}, fmt.Errorf("service %q: volumes are not supported, the workspace is already mounted", name)
	}
	if len(svc.Command) == 0 {
		return Service{}, fmt.Errorf("service %q: command is required", name)
	}

	s := Service{
		Name:    name,
		Command: strings.Join(svc.Command, " "),
		Env:     flattenEnv(svc.Environment),
	}
	for _, port := range svc.Ports {
		s.Ports = append(s.Ports, int(port.Target))
	}
	sort.Ints(s.Ports)
	return s, nil
}

func flattenEnv(env compose.MappingWithEquals) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		value := ""
		if p := env[key]; p != nil {
			value = *p
		}
		out = append(out, key+"="+value)
	}
	return out
}
