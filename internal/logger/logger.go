// Package logger provides the structured logger used across the core
// engine. It wraps zerolog behind a small interface so components take a
// Logger at construction instead of reaching for a global.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the call shape every component that logs is constructed with.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	level            = zerolog.InfoLevel
)

// SetOutput changes where all loggers created afterwards write to. Loggers
// already constructed keep their original writer.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetLevel changes the minimum level for loggers created afterwards.
func SetLevel(l zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

type zlogger struct {
	z zerolog.Logger
}

// New returns a Logger tagged with the given component name, mirroring the
// teacher's logger.New("session")/logger.New("peer <- "+addr) call sites.
func New(component string) Logger {
	mu.Lock()
	w, lvl := output, level
	mu.Unlock()
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger().Level(lvl)
	return &zlogger{z: z}
}

func (l *zlogger) Debug(args ...interface{})                 { l.z.Debug().Msg(sprint(args...)) }
func (l *zlogger) Debugln(args ...interface{})                { l.z.Debug().Msg(sprint(args...)) }
func (l *zlogger) Debugf(format string, args ...interface{})  { l.z.Debug().Msgf(format, args...) }
func (l *zlogger) Info(args ...interface{})                   { l.z.Info().Msg(sprint(args...)) }
func (l *zlogger) Infoln(args ...interface{})                 { l.z.Info().Msg(sprint(args...)) }
func (l *zlogger) Infof(format string, args ...interface{})   { l.z.Info().Msgf(format, args...) }
func (l *zlogger) Warning(args ...interface{})                { l.z.Warn().Msg(sprint(args...)) }
func (l *zlogger) Warningln(args ...interface{})              { l.z.Warn().Msg(sprint(args...)) }
func (l *zlogger) Warningf(format string, args ...interface{}) { l.z.Warn().Msgf(format, args...) }
func (l *zlogger) Error(args ...interface{})                  { l.z.Error().Msg(sprint(args...)) }
func (l *zlogger) Errorln(args ...interface{})                { l.z.Error().Msg(sprint(args...)) }
func (l *zlogger) Errorf(format string, args ...interface{})  { l.z.Error().Msgf(format, args...) }

func sprint(args ...interface{}) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	return fmt.Sprint(args...)
}
