package hostfn

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Clock returns a function reporting the current time as fractional Unix
// seconds.
func Clock() Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	}
}

// Logf returns a function that writes a guest message through logger.
// Args: "msg" (string) and an optional "level" of debug, info, warn, error.
func Logf(logger zerolog.Logger) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		msg, _ := args["msg"].(string)
		level, _ := args["level"].(string)
		switch level {
		case "debug":
			logger.Debug().Msg(msg)
		case "warn":
			logger.Warn().Msg(msg)
		case "error":
			logger.Error().Msg(msg)
		default:
			logger.Info().Msg(msg)
		}
		return nil, nil
	}
}
