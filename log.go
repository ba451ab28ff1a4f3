package mirror

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger returns a logfmt logger writing to w, filtered to levelName
// (debug, info, warn or error).
func NewLogger(w io.Writer, levelName string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	switch levelName {
	case "debug":
		return level.NewFilter(logger, level.AllowDebug()), nil
	case "", "info":
		return level.NewFilter(logger, level.AllowInfo()), nil
	case "warn":
		return level.NewFilter(logger, level.AllowWarn()), nil
	case "error":
		return level.NewFilter(logger, level.AllowError()), nil
	}
	return nil, fmt.Errorf("%w: unknown log level %q", ErrValidation, levelName)
}
