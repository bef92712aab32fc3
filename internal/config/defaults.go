package config

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	// Supervisor defaults.
	if cfg.Supervisor.LogLevel == "" {
		cfg.Supervisor.LogLevel = "info"
	}
	if cfg.Supervisor.LogFormat == "" {
		cfg.Supervisor.LogFormat = "json"
	}
	if cfg.Supervisor.Identifier == "" {
		cfg.Supervisor.Identifier = "recsup"
	}
	if cfg.Supervisor.ShutdownTimeout == 0 {
		cfg.Supervisor.ShutdownTimeout = 30
	}

	// Server defaults.
	if cfg.Server.Unix.File == "" {
		cfg.Server.Unix.File = "/var/run/recsup.sock"
	}
	if cfg.Server.Unix.Chmod == "" {
		cfg.Server.Unix.Chmod = "0700"
	}

	// Render defaults.
	if cfg.Render.OutputDirectory == "" {
		cfg.Render.OutputDirectory = "/etc/systemd/system"
	}

	// Recorder defaults.
	for name, r := range cfg.Recorders {
		if r.LogDirectory == "" {
			r.LogDirectory = "/var/log/recsup"
		}
		if r.Autostart == nil {
			t := true
			r.Autostart = &t
		}
		cfg.Recorders[name] = r
	}

	// Webhook defaults.
	for name, w := range cfg.Webhooks {
		if w.Timeout == 0 {
			w.Timeout = 5
		}
		if w.Retries == 0 {
			w.Retries = 3
		}
		if w.Template == "" {
			w.Template = "generic"
		}
		cfg.Webhooks[name] = w
	}
}
