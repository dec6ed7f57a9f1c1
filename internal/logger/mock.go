package logger

import (
	"github.com/rs/zerolog"
	"io"
)

// Mock returns a fully disabled logger for tests.
func Mock() Logger {
	l := &DefaultLogger{
		writers:     make([]io.Writer, 0),
		level:       zerolog.Disabled,
		currentDate: "2006-01-02",
	}

	l.log = zerolog.New(io.MultiWriter(l.writers...)).With().Stack().Logger()

	return l
}

// MockWithWriter returns an unfiltered logger writing to w, for tests
// that assert on log output.
func MockWithWriter(w io.Writer) Logger {
	l := &DefaultLogger{
		writers:     []io.Writer{w},
		level:       zerolog.TraceLevel,
		currentDate: "2006-01-02",
	}

	l.log = zerolog.New(io.MultiWriter(l.writers...)).With().Stack().Logger()

	return l
}
