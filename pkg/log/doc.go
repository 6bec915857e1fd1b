/*
Package log provides structured logging for qax-core using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("conversion.Scheduler")    │          │
	│  │  - WithInstrumentID("IF2501")               │          │
	│  │  - WithConversionID(42)                     │          │
	│  │  - WithUserID("U001")                       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "conversion.Scheduler",     │          │
	│  │    "instrument_id": "IF2501",               │          │
	│  │    "time": "2026-08-01T10:30:00Z",         │          │
	│  │    "message": "batch scheduled"             │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-08-01T10:30:00Z INF batch scheduled component=conversion.Scheduler instrument_id=IF2501 │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all qax-core packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information (per-record traces)
  - Info: General informational messages (scheduler ticks, conversions)
  - Warn: Warning messages (queue nearly full, retry scheduled)
  - Error: Error messages (operation failed, WAL poisoned)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add a component field (e.g. "hybrid.Storage")
  - WithInstrumentID: Add instrument_id context
  - WithConversionID: Add conversion_id context (uint64 record ID)
  - WithUserID: Add user_id context

# Usage

Initializing the Logger:

	import "github.com/qaexchange/qax-core/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("instrument manager initialized")
	log.Warn("conversion queue nearing capacity")
	log.Error("wal append failed, shard poisoned")
	log.Fatal("cannot start without storage base directory")

Structured Logging:

	log.Logger.Info().
		Str("instrument_id", "IF2501").
		Uint64("sequence", 10042).
		Msg("order insert appended")

Component Loggers:

	schedulerLog := log.WithComponent("conversion.Scheduler")
	schedulerLog.Info().Msg("starting scan tick")

	workerLog := log.WithComponent("conversion.WorkerPool").
		With().Str("instrument_id", "IF2501").
		Uint64("conversion_id", 42).Logger()
	workerLog.Info().Msg("batch converted")
	workerLog.Error().Err(err).Msg("conversion failed")

Context Logger Helpers:

	instLog := log.WithInstrumentID("IF2501")
	instLog.Info().Msg("shard opened")

	convLog := log.WithConversionID(42)
	convLog.Info().Msg("conversion record created")

	userLog := log.WithUserID("U001")
	userLog.Info().Msg("account opened")

# Integration Points

This package is used by:

  - cmd/qaxcored, cmd/qaxctl: process lifecycle and operator command
    output, and the component loggers handed to every constructor
  - pkg/conversion: the scheduler's zombie-recovery warning (WithConversionID)
  - pkg/recovery: user-registration replay debug lines (WithUserID)

Other packages (hybrid, instrument, notify, gateway, subscriber, query)
do not import this one; they log through the zerolog.Logger passed to
their constructors.

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at startup
  - Accessible from all packages without passing a logger through
    every constructor, while components still accept an explicit
    zerolog.Logger where they need one scoped to their own instance

Context Logger Pattern:
  - Create child loggers with context fields once, reuse them
  - Every background-component struct in this repo stores one
    (Scheduler.logger, Broker.logger, Router.logger, ...) rather than
    calling the package-level helpers inside hot loops

Error Logging Pattern:
  - Always use .Err(err) for error values, never string-format them
  - Keep error messages lowercase and unpunctuated, matching the
    stdlib's own error string convention

# Security

Log Content:
  - Never log account balances, passwords, or auth tokens in full
  - Prefer instrument_id/user_id/conversion_id fields over embedding
    identifiers in the free-text message

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
*/
package log
