package config

// DefaultConfigTOML is a complete, commented sample recsup.toml.
const DefaultConfigTOML = `# recsup configuration file

[supervisor]
# logfile = ""                  # daemon log file path (default: stdout)
# log_level = "info"            # debug, info, warn, error
# log_format = "json"           # json, text
# directory = ""                # daemon working directory
# identifier = "recsup"         # daemon identifier
# pid_file = ""                 # daemon PID file path
# nocleanup = false             # preserve empty recorder log files on startup
# shutdown_timeout = 30         # seconds to wait for graceful shutdown

[server.unix]
# file = "/var/run/recsup.sock" # Unix socket path
# chmod = "0700"                # socket file permissions
# chown = ""                    # socket owner (user:group)

[server.http]
# enabled = false               # enable TCP HTTP server
# listen = "127.0.0.1:9876"    # TCP listen address
# username = ""                 # HTTP Basic Auth username
# password = ""                 # bcrypt-hashed password

[render]
# output_directory = "/etc/systemd/system"  # where rendered units are written

# Recorder instances. The lifecycle policy (restart mode and rate limit,
# stop signal and grace, memory locking, conflicts, cleanup) is fixed by
# the role; these sections bind a role to a host endpoint and resources.
#
# Roles: fast-visibility, slow-visibility, power-beam, voltage-tengine,
# raw-voltage-beam.

# [recorders.slow-band01]
# role = "slow-visibility"
# band = 1                     # band index (visibility roles)
# address = "10.41.0.76"       # capture interface address
# port = 10001                 # capture UDP port
# cores = [1, 2]               # CPU affinity list
# record_directory = "/data/slow/band01"
# quota = "250GB"              # absolute size or filesystem fraction (0.8)
# log_directory = "/var/log/recsup"
# log_pattern = ""             # child log file name, %H rotates hourly
# cal_directory = ""           # beamformer calibration directory
# image = false                # enable imaging output (slow visibility)
# activation = ""              # environment activation prefix
# user = ""                    # uid[:gid] to run as
# cleanup_paths = []           # temp state globs removed after stop
# autostart = true             # start on daemon startup
# debug = false                # pass --debug to the recorder

# [recorders.power-beam2]
# role = "power-beam"
# beam = 2                     # beam index (beam roles)
# address = "10.41.0.76"
# port = 20002
# cores = [4, 5]
# record_directory = "/data/beam/beam02"

# [recorders.tengine-1]
# role = "voltage-tengine"
# beam = 1
# address = "10.41.0.76"
# port = 21001
# cores = [8, 9]
# gpu = 0                      # GPU index (tengine and raw voltage beam)
# record_directory = "/data/tengine"

# Webhook definitions
# [webhooks.slack]
# url = "https://hooks.slack.com/..."
# events = ["RECORDER_STATE_FATAL", "RESTART_LIMITED"]
# template = "slack"           # generic, slack, pagerduty
# timeout = 5
# retries = 3
# [webhooks.slack.headers]
# Authorization = "Bearer token"
`
