package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type LogMode string

const (
	LogModeDebug  LogMode = "debug"
	LogModePretty LogMode = "pretty"
	LogModeInfo   LogMode = "info"
	LogModeProd   LogMode = "prod"
	LogModeTest   LogMode = "test"
)

var log zerolog.Logger

func init() {
	InitWithMode(LogModePretty)
}

// InitWithMode configures the global logger for the given mode. Pretty and
// debug modes write colorized console output, info and prod write JSON, and
// test disables output entirely.
func InitWithMode(mode LogMode) {
	switch mode {
	case LogModeDebug:
		initConsole(zerolog.DebugLevel)
	case LogModeInfo:
		initJSON(zerolog.InfoLevel)
	case LogModeProd:
		initJSON(zerolog.WarnLevel)
	case LogModeTest:
		zerolog.SetGlobalLevel(zerolog.Disabled)
		log = zerolog.Nop()
		zerolog.DefaultContextLogger = &log
	default:
		initConsole(zerolog.InfoLevel)
	}
}

func initConsole(level zerolog.Level) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    false,
		FormatLevel: func(i interface{}) string {
			return colorizeLevel(fmt.Sprint(i))
		},
		FormatMessage: func(i interface{}) string {
			return colorize(fmt.Sprint(i), cyan)
		},
		FormatFieldName: func(i interface{}) string {
			return colorize(fmt.Sprint(i)+":", gray)
		},
		FormatFieldValue: func(i interface{}) string {
			switch v := i.(type) {
			case string:
				return colorize(v, blue)
			case json.Number:
				return colorize(v.String(), blue)
			default:
				return colorize(fmt.Sprint(v), blue)
			}
		},
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(level)
	log = zerolog.New(output).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
}

func initJSON(level zerolog.Level) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(level)
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
}

// ANSI color codes
const (
	gray  = "\x1b[37m"
	blue  = "\x1b[34m"
	cyan  = "\x1b[36m"
	red   = "\x1b[31m"
	reset = "\x1b[0m"
)

func colorize(s, color string) string {
	return color + s + reset
}

func colorizeLevel(level string) string {
	switch level {
	case "debug":
		return colorize("DBG", gray)
	case "info":
		return colorize("INF", blue)
	case "warn":
		return colorize("WRN", cyan)
	case "error":
		return colorize("ERR", red)
	default:
		return colorize(level, blue)
	}
}

// Get returns the logger instance
func Get() zerolog.Logger {
	return log
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
