package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
)

// defaultCleanupGlob matches the shared temp writer state left behind by
// the visibility recorders when none is configured explicitly.
const defaultCleanupGlob = "/tmp/dr_visibilities_*"

// Materialize converts validated recorder configs into immutable
// descriptors. Config must have passed Load (defaults and validation).
func Materialize(cfg *Config) (map[string]*descriptor.Descriptor, error) {
	out := make(map[string]*descriptor.Descriptor, len(cfg.Recorders))
	for name, r := range cfg.Recorders {
		d, err := materializeRecorder(name, r)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

func materializeRecorder(name string, r RecorderConfig) (*descriptor.Descriptor, error) {
	role, err := descriptor.ParseRole(r.Role)
	if err != nil {
		return nil, fmt.Errorf("recorders.%s: %w", name, err)
	}
	policy, err := descriptor.PolicyFor(role)
	if err != nil {
		return nil, fmt.Errorf("recorders.%s: %w", name, err)
	}
	quota, err := descriptor.ParseQuota(r.Quota)
	if err != nil {
		return nil, fmt.Errorf("recorders.%s: %w", name, err)
	}

	gpu, numa := -1, -1
	if r.GPU != nil {
		gpu = *r.GPU
	}
	if r.NUMA != nil {
		numa = *r.NUMA
	}

	d := &descriptor.Descriptor{
		Name: name,
		Role: role,
		Band: r.Band,
		Beam: r.Beam,
		Network: descriptor.Network{
			Address: r.Address,
			Port:    r.Port,
		},
		Resources: descriptor.Resources{
			Cores: append([]int(nil), r.Cores...),
			GPU:   gpu,
			NUMA:  numa,
		},
		Storage: descriptor.Storage{
			RecordDir: r.RecordDirectory,
			Quota:     quota,
		},
		Logging: descriptor.Logging{
			Dir:     r.LogDirectory,
			Pattern: r.LogPattern,
			Debug:   r.Debug,
		},
		CalDir:     r.CalDirectory,
		Image:      r.Image,
		Activation: r.Activation,
		User:       r.User,
		Autostart:  r.Autostart == nil || *r.Autostart,
		Policy:     policy,
	}

	if policy.CleanupTempState {
		paths := append([]string(nil), r.CleanupPaths...)
		if len(paths) == 0 {
			paths = []string{defaultCleanupGlob}
		}
		d.Cleanup = &descriptor.Cleanup{
			Paths: paths,
			Match: policy.Program,
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// EventWebhooks converts config webhook sections into event bus webhook
// configs, in name order.
func EventWebhooks(cfg *Config) []events.WebhookConfig {
	names := make([]string, 0, len(cfg.Webhooks))
	for name := range cfg.Webhooks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]events.WebhookConfig, 0, len(names))
	for _, name := range names {
		w := cfg.Webhooks[name]
		types := make([]events.EventType, 0, len(w.Events))
		for _, e := range w.Events {
			types = append(types, events.EventType(e))
		}
		out = append(out, events.WebhookConfig{
			Name:       name,
			URL:        w.URL,
			Events:     types,
			Headers:    w.Headers,
			Timeout:    time.Duration(w.Timeout) * time.Second,
			MaxRetries: w.Retries,
			Template:   w.Template,
		})
	}
	return out
}
