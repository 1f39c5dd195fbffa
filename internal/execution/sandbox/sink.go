package sandbox

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/envrun/envrun/internal/execution"
)

// logSink fans demuxed container output into the capped capture, the
// per-line callback, and the logger.
type logSink struct {
	spec    execution.Spec
	log     zerolog.Logger
	capture *execution.Capture
}

func newLogSink(spec execution.Spec, log zerolog.Logger) *logSink {
	return &logSink{spec: spec, log: log, capture: execution.NewCapture()}
}

func (s *logSink) line(raw string) {
	line := scrub(raw)
	if line == "" {
		return
	}
	s.capture.WriteLine(line)
	if s.spec.OnLine != nil {
		s.spec.OnLine(line)
	}
	s.log.Info().Str("env", s.spec.Label).Msg(line)
}

func (s *logSink) String() string {
	return s.capture.String()
}

// scrub drops control characters the daemon occasionally interleaves,
// keeping tabs.
func scrub(line string) string {
	return strings.TrimRight(strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return -1
		}
		return r
	}, line), " \t")
}
