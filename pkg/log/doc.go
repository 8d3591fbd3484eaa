/*
Package log provides structured logging for SecretHub using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the Logger:

	import "github.com/secrethub/secrethub/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	sealLog := log.WithComponent("seal")
	sealLog.Info().Int("progress", 2).Msg("unseal share accepted")

	auditLog := log.WithComponent("audit").
		With().Str("correlation_id", corrID).Logger()
	auditLog.Error().Err(err).Msg("audit append failed")

# Security

Key material, share bytes, and decrypted secret data must never appear in log
output at any level. The WithSecretPath helper exists so call sites log the
path of a secret and nothing else about it. Structured fields (.Str, .Int,
.Err) prevent log injection from request-supplied values.

# Integration Points

  - pkg/seal: seal state transitions and auto-seal events
  - pkg/cluster: registration, heartbeats, leader election
  - pkg/audit: append failures and chain verification results
  - pkg/secrets: access decisions (paths only, never data)
  - pkg/api: request logging middleware
*/
package log
