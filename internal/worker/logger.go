package worker

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

var _ asynq.Logger = (*Logger)(nil)

// Logger routes asynq's own log lines into zerolog.
type Logger struct {
	log zerolog.Logger
}

// NewLogger wraps log.
func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }

// Fatal logs at fatal level, which exits the process.
func (l *Logger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
