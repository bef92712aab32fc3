// Package metrics collects and exposes Prometheus metrics for recsup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all recsup-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Per-recorder metrics.
	RecorderState      *prometheus.GaugeVec
	RecorderStartTotal *prometheus.CounterVec
	RecorderExitTotal  *prometheus.CounterVec
	RecorderUptime     *prometheus.GaugeVec
	RecordDirUsage     *prometheus.GaugeVec
	RecordDirOverQuota *prometheus.GaugeVec

	// Policy enforcement metrics.
	ConflictRejectedTotal *prometheus.CounterVec
	RestartLimitedTotal   *prometheus.CounterVec
	CleanupRunTotal       *prometheus.CounterVec
	CleanupSkippedTotal   *prometheus.CounterVec

	// Supervisor-level metrics.
	SupervisorUptime       prometheus.Gauge
	SupervisorRecorders    *prometheus.GaugeVec
	ConfigReloadTotal      prometheus.Counter
	ConfigReloadErrorTotal prometheus.Counter
	BuildInfo              *prometheus.GaugeVec
}

// New creates and registers all recsup metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		RecorderState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recsup_recorder_state",
				Help: "Current state of a managed recorder (numeric state code).",
			},
			[]string{"name", "role"},
		),

		RecorderStartTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recsup_recorder_start_total",
				Help: "Total number of times a recorder has been started.",
			},
			[]string{"name"},
		),

		RecorderExitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recsup_recorder_exit_total",
				Help: "Total number of recorder exits.",
			},
			[]string{"name", "clean"},
		),

		RecorderUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recsup_recorder_uptime_seconds",
				Help: "Uptime of a managed recorder in seconds.",
			},
			[]string{"name"},
		),

		RecordDirUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recsup_record_directory_usage_bytes",
				Help: "Sampled size of a recorder's record directory.",
			},
			[]string{"name", "role"},
		),

		RecordDirOverQuota: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recsup_record_directory_over_quota",
				Help: "1 while a record directory exceeds its quota.",
			},
			[]string{"name"},
		),

		ConflictRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recsup_conflict_rejected_total",
				Help: "Start requests rejected because the exclusive peer was active.",
			},
			[]string{"name"},
		),

		RestartLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recsup_restart_limited_total",
				Help: "Restarts suppressed by the rate limit (recorder went FATAL).",
			},
			[]string{"name"},
		),

		CleanupRunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recsup_cleanup_run_total",
				Help: "Post-stop temp state cleanups that ran.",
			},
			[]string{"name"},
		),

		CleanupSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recsup_cleanup_skipped_total",
				Help: "Post-stop cleanups skipped because a sibling process remained.",
			},
			[]string{"name"},
		),

		SupervisorUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recsup_supervisor_uptime_seconds",
				Help: "Uptime of the recsup supervisor in seconds.",
			},
		),

		SupervisorRecorders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recsup_supervisor_recorders",
				Help: "Number of recorders per state.",
			},
			[]string{"state"},
		),

		ConfigReloadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recsup_supervisor_config_reload_total",
				Help: "Total number of config reloads.",
			},
		),

		ConfigReloadErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recsup_supervisor_config_reload_errors_total",
				Help: "Total number of failed config reloads.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recsup_info",
				Help: "Build information about recsup.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.RecorderState,
		c.RecorderStartTotal,
		c.RecorderExitTotal,
		c.RecorderUptime,
		c.RecordDirUsage,
		c.RecordDirOverQuota,
		c.ConflictRejectedTotal,
		c.RestartLimitedTotal,
		c.CleanupRunTotal,
		c.CleanupSkippedTotal,
		c.SupervisorUptime,
		c.SupervisorRecorders,
		c.ConfigReloadTotal,
		c.ConfigReloadErrorTotal,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetRecorderState updates the state gauge for a recorder.
func (c *Collector) SetRecorderState(name, role string, stateCode int) {
	c.RecorderState.WithLabelValues(name, role).Set(float64(stateCode))
}

// IncRecorderStart increments the start counter for a recorder.
func (c *Collector) IncRecorderStart(name string) {
	c.RecorderStartTotal.WithLabelValues(name).Inc()
}

// IncRecorderExit increments the exit counter for a recorder.
func (c *Collector) IncRecorderExit(name string, clean bool) {
	label := "false"
	if clean {
		label = "true"
	}
	c.RecorderExitTotal.WithLabelValues(name, label).Inc()
}

// SetRecorderUptime sets the uptime gauge for a recorder.
func (c *Collector) SetRecorderUptime(name string, seconds float64) {
	c.RecorderUptime.WithLabelValues(name).Set(seconds)
}

// SetRecordDirUsage sets the sampled record directory size.
func (c *Collector) SetRecordDirUsage(name, role string, bytes uint64) {
	c.RecordDirUsage.WithLabelValues(name, role).Set(float64(bytes))
}

// SetOverQuota flags a record directory as over or under its quota.
func (c *Collector) SetOverQuota(name string, over bool) {
	v := 0.0
	if over {
		v = 1.0
	}
	c.RecordDirOverQuota.WithLabelValues(name).Set(v)
}

// SetSupervisorUptime sets the supervisor uptime gauge.
func (c *Collector) SetSupervisorUptime(seconds float64) {
	c.SupervisorUptime.Set(seconds)
}

// SetRecorderCount sets the count of recorders in a given state.
func (c *Collector) SetRecorderCount(state string, count int) {
	c.SupervisorRecorders.WithLabelValues(state).Set(float64(count))
}

// IncConfigReload increments the config reload counter.
func (c *Collector) IncConfigReload() {
	c.ConfigReloadTotal.Inc()
}

// IncConfigReloadError increments the config reload error counter.
func (c *Collector) IncConfigReloadError() {
	c.ConfigReloadErrorTotal.Inc()
}

// RemoveRecorder cleans up metrics for a removed recorder.
func (c *Collector) RemoveRecorder(name, role string) {
	c.RecorderState.DeleteLabelValues(name, role)
	c.RecorderStartTotal.DeleteLabelValues(name)
	c.RecorderExitTotal.DeletePartialMatch(prometheus.Labels{"name": name})
	c.RecorderUptime.DeleteLabelValues(name)
	c.RecordDirUsage.DeleteLabelValues(name, role)
	c.RecordDirOverQuota.DeleteLabelValues(name)
}
