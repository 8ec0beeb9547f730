/*
Package log provides structured logging for Epicenter using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	import "github.com/epicenterhq/epicenter/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("Workspace initialized")
	log.Error("Failed to open database")

Structured logging:

	log.Logger.Info().
		Str("workspace_id", "notes").
		Int("tables", 3).
		Msg("Workspace ready")

Component loggers:

	mdLog := log.WithComponent("markdown")
	mdLog.Debug().Str("table", "posts").Msg("Building tracking map")

Context helpers add the identifiers that recur across the codebase:
WithWorkspace, WithTable and WithProvider mirror WithComponent for the
workspace id, table name and provider id fields.

Provider audit logs (the append-only per-provider log files under the
.epicenter directory) are ordinary zerolog JSON loggers writing to a file;
see the markdown provider for an example.
*/
package log
