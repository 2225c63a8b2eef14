package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TagLogger adds app and node fields to the global logger and returns it.
// The sink and level stay as logging.Configure left them.
func TagLogger(app, node string) zerolog.Logger {
	ctx := log.Logger.With().Str("app", app)
	if node != "" {
		ctx = ctx.Str("node", node)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
