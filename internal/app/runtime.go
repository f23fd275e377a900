package app

import (
	"log/slog"

	"github.com/kelseyhightower/envconfig"
)

// Startup is read before the full Config so that a binary built for tests or
// smoke checks can exit before it dials Postgres or Redis.
type Startup struct {
	// Skip is set by TRADEBOOK_TEST_MODE=1.
	Skip bool `envconfig:"TRADEBOOK_TEST_MODE" default:"false"`
}

// ReadStartup parses the startup switches; unparsable values boot normally.
func ReadStartup() Startup {
	var s Startup
	if err := envconfig.Process("", &s); err != nil {
		return Startup{}
	}
	return s
}

// ShouldBoot reports whether binary should start its engine, logging when it won't.
func (s Startup) ShouldBoot(logger *slog.Logger, binary string) bool {
	if !s.Skip {
		return true
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("startup skipped", slog.String("binary", binary), slog.String("reason", "TRADEBOOK_TEST_MODE"))
	return false
}
