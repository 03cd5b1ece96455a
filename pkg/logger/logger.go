package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide structured logger.
var Logger zerolog.Logger

// LogLevel names a zerolog level.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// Config controls log output.
type Config struct {
	Level      LogLevel
	Output     io.Writer
	TimeFormat string
	Pretty     bool
}

// DefaultConfig returns the interactive default: pretty output on stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:      InfoLevel,
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
		Pretty:     true,
	}
}

// Init sets up the global logger.
func Init(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	output := cfg.Output
	if cfg.Pretty {
		// Compact console output without level/timestamp decoration so the
		// ansible-style display reads like ansible-playbook output.
		output = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: "15:04:05",
			FormatLevel: func(i interface{}) string {
				return ""
			},
			FormatTimestamp: func(i interface{}) string {
				return ""
			},
			FormatMessage: func(i interface{}) string {
				return fmt.Sprintf("%s", i)
			},
			FormatFieldName: func(i interface{}) string {
				return ""
			},
			FormatFieldValue: func(i interface{}) string {
				return ""
			},
		}
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Level))
	Logger = zerolog.New(output).With().Timestamp().Logger()
	log.Logger = Logger
}

func parseLogLevel(level LogLevel) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the global log level.
func SetLevel(level LogLevel) {
	zerolog.SetGlobalLevel(parseLogLevel(level))
}

// GetLogger returns the global logger.
func GetLogger() *zerolog.Logger {
	return &Logger
}

func Debug(msg string)                          { Logger.Debug().Msg(msg) }
func Debugf(format string, args ...interface{}) { Logger.Debug().Msgf(format, args...) }
func Info(msg string)                           { Logger.Info().Msg(msg) }
func Infof(format string, args ...interface{})  { Logger.Info().Msgf(format, args...) }
func Warn(msg string)                           { Logger.Warn().Msg(msg) }
func Warnf(format string, args ...interface{})  { Logger.Warn().Msgf(format, args...) }
func Error(msg string)                          { Logger.Error().Msg(msg) }
func Errorf(format string, args ...interface{}) { Logger.Error().Msgf(format, args...) }
func Fatal(msg string)                          { Logger.Fatal().Msg(msg) }
func Fatalf(format string, args ...interface{}) { Logger.Fatal().Msgf(format, args...) }
