package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/envrun/envrun/internal/execution"
	"github.com/envrun/envrun/pkg/logger"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "keeps tabs", in: "a\tb", want: "a\tb"},
		{name: "drops control bytes", in: "a\x01\x02b\r", want: "ab"},
		{name: "trims trailing space", in: "done  ", want: "done"},
		{name: "only control bytes", in: "\x00\x1b", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scrub(tt.in))
		})
	}
}

func TestLogSink(t *testing.T) {
	var lines []string
	sink := newLogSink(execution.Spec{
		Label:  "docked",
		OnLine: func(line string) { lines = append(lines, line) },
	}, logger.WithComponent("sandbox"))

	sink.line("first")
	sink.line("")
	sink.line("\x01")
	sink.line("second")

	assert.Equal(t, []string{"first", "second"}, lines)
	assert.Equal(t, "first\nsecond\n", sink.String())
}
