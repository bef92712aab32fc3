// Package config handles loading and validating recsup configuration.
package config

// Config is the top-level recsup configuration.
type Config struct {
	Supervisor SupervisorConfig          `toml:"supervisor"`
	Recorders  map[string]RecorderConfig `toml:"recorders"`
	Server     ServerConfig              `toml:"server"`
	Render     RenderConfig              `toml:"render"`
	Webhooks   map[string]WebhookConfig  `toml:"webhooks"`
	Include    []string                  `toml:"include"`
}

// SupervisorConfig holds daemon-level settings.
type SupervisorConfig struct {
	Logfile         string `toml:"logfile"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	Directory       string `toml:"directory"`
	Identifier      string `toml:"identifier"`
	PidFile         string `toml:"pid_file"`
	Nocleanup       bool   `toml:"nocleanup"`
	ShutdownTimeout int    `toml:"shutdown_timeout"`
}

// RecorderConfig holds per-recorder-instance settings. The lifecycle
// policy (restart mode, stop signal, grace, conflicts) is fixed by the
// role and cannot be overridden here.
type RecorderConfig struct {
	Role            string   `toml:"role"`
	Band            int      `toml:"band"`
	Beam            int      `toml:"beam"`
	Address         string   `toml:"address"`
	Port            int      `toml:"port"`
	Cores           []int    `toml:"cores"`
	GPU             *int     `toml:"gpu"`
	NUMA            *int     `toml:"numa"`
	RecordDirectory string   `toml:"record_directory"`
	Quota           string   `toml:"quota"`
	LogDirectory    string   `toml:"log_directory"`
	LogPattern      string   `toml:"log_pattern"`
	CalDirectory    string   `toml:"cal_directory"`
	Image           bool     `toml:"image"`
	Activation      string   `toml:"activation"`
	User            string   `toml:"user"`
	CleanupPaths    []string `toml:"cleanup_paths"`
	Autostart       *bool    `toml:"autostart"`
	Debug           bool     `toml:"debug"`
}

// RenderConfig holds systemd unit rendering settings.
type RenderConfig struct {
	OutputDirectory string `toml:"output_directory"`
}

// ServerConfig holds server listener settings.
type ServerConfig struct {
	Unix UnixServerConfig `toml:"unix"`
	HTTP HTTPServerConfig `toml:"http"`
}

// UnixServerConfig holds Unix domain socket settings.
type UnixServerConfig struct {
	File  string `toml:"file"`
	Chmod string `toml:"chmod"`
	Chown string `toml:"chown"`
}

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Listen   string `toml:"listen"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// WebhookConfig holds per-webhook settings.
type WebhookConfig struct {
	URL      string            `toml:"url"`
	Events   []string          `toml:"events"`
	Headers  map[string]string `toml:"headers"`
	Timeout  int               `toml:"timeout"`
	Retries  int               `toml:"retries"`
	Template string            `toml:"template"`
}
