package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "irq.line") to their
// [FieldDoc] entries. Fields of [[triggers]] entries are keyed under
// "triggers". The genconfig tool uses this map to annotate the generated
// config.default.toml.
var ConfigDocs = map[string]FieldDoc{
	// ── Root ──────────────────────────────────────────────────────
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	// ── Device ───────────────────────────────────────────────────
	"device": {
		Comment: "The published character channel.",
	},
	"device.name": {
		Comment: "Channel name. Clients see it in the handshake.",
	},
	"device.class": {},
	"device.read_payload": {
		Comment: "Bytes returned by every read, truncated to the requested size.",
	},
	"device.write_capacity": {
		Comment: "Bytes a single write retains. Longer writes are truncated.",
	},

	// ── IRQ ──────────────────────────────────────────────────────
	"irq": {
		Comment: "Interrupt line the channel's handler is bound to.",
	},
	"irq.line": {},
	"irq.shared": {
		Comment: "Allow other handlers on the same line.",
	},
	"irq.log_rate": {
		Comment: "Maximum \"interrupt occurred\" log lines per second. 0 disables the limit.",
	},

	// ── Endpoint ─────────────────────────────────────────────────
	"endpoint": {
		Comment: "Where the channel is published for user-space clients.",
	},
	"endpoint.path": {
		Comment: "Socket path (or named pipe on Windows). Omit for the platform default.",
		Alternatives: []string{
			`path = "/run/user/1000/neil-dev.sock"`,
			`path = '\\.\pipe\neil-dev'`,
		},
	},
	"endpoint.mode": {
		Comment: "Octal permission applied to the endpoint.",
		Alternatives: []string{`mode = "0600"`},
	},
	"endpoint.max_conns": {
		Comment: "Maximum concurrent client sessions. 0 uses the built-in limit.",
	},

	// ── Metrics ──────────────────────────────────────────────────
	"metrics": {},
	"metrics.listen": {
		Comment: "Address serving /metrics in the Prometheus text format. Empty disables it.",
		Alternatives: []string{`listen = "127.0.0.1:9305"`},
	},

	// ── Update ───────────────────────────────────────────────────
	"update": {},
	"update.enabled": {
		Comment: "Check the release manifest for a newer version at startup.",
	},
	"update.manifest_url": {},

	// ── Log ──────────────────────────────────────────────────────
	"log": {},
	"log.level": {
		Comment: "Minimum log level.",
		Alternatives: []string{
			`level = "trace"  # include every interrupt and readiness check`,
			`level = "warn"`,
		},
	},
	"log.max_size_mb": {
		Comment: "Log file size in megabytes before rotation.",
	},
	"log.max_backups": {},
	"log.max_age_days": {},

	// ── Triggers ─────────────────────────────────────────────────
	"triggers": {
		Comment: "Interrupt sources. Each entry raises its line when it fires.",
	},
	"triggers.kind": {
		Comment: "signal, file or timer.",
		Alternatives: []string{
			`kind = "file"   # with path, and optionally pattern and interval_ms`,
			`kind = "timer"  # with interval_ms`,
		},
	},
	"triggers.line": {
		Comment: "Line to raise. Omit to use [irq] line.",
		Alternatives: []string{`line = 306  # a line nothing is bound to counts as spurious`},
	},
	"triggers.signal": {
		Comment: "Signal name for kind = \"signal\". Unsupported on Windows.",
	},
	"triggers.path": {
		Comment: "Directory watched by kind = \"file\".",
	},
	"triggers.pattern": {
		Comment: "Glob matched against paths relative to the watched directory.",
		Alternatives: []string{`pattern = "**/*.irq"`},
	},
	"triggers.interval_ms": {
		Comment: "Timer period, or the polling interval when file watching is unavailable.",
	},
}
