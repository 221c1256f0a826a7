package logx

import "github.com/rs/zerolog"

// LineWriter turns external tool output into per-line zerolog events at a given level.
type LineWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func NewLineWriter(base zerolog.Logger, fields map[string]string, level zerolog.Level) *LineWriter {
	w := base.With()
	for k, v := range fields {
		w = w.Str(k, v)
	}
	return &LineWriter{logger: w.Logger(), level: level}
}

// Line logs one line of tool output.
func (lw *LineWriter) Line(text string) {
	switch lw.level {
	case zerolog.DebugLevel:
		lw.logger.Debug().Msg(text)
	case zerolog.ErrorLevel:
		lw.logger.Error().Msg(text)
	default:
		lw.logger.Info().Msg(text)
	}
}
