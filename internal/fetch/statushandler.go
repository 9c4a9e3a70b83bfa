package fetch

import (
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type BreakerStatusHandler func(name string, from, to gobreaker.State)

func LoggingStatusHandler(logger zerolog.Logger) BreakerStatusHandler {
	return func(name string, from, to gobreaker.State) {
		switch to {
		case gobreaker.StateOpen:
			if from == gobreaker.StateClosed {
				logger.Warn().Str("target", name).Msg("Target is failing, rejecting requests")
			} else {
				logger.Warn().Str("target", name).Msg("Target still failing after retry")
			}
		case gobreaker.StateHalfOpen:
			logger.Info().Str("target", name).Msg("Letting a trial request through")
		case gobreaker.StateClosed:
			logger.Info().Str("target", name).Msg("Target recovered")
		}
	}
}
