// Package logging is the service logger: stdlib log output with a level gate,
// plus optional Rollbar reporting of warnings and errors.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/rollbar/rollbar-go"
)

// Logger is what services log through.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Std writes to a *log.Logger. Debug lines are dropped unless debug is on.
type Std struct {
	std   *log.Logger
	debug bool
}

var _ Logger = (*Std)(nil)

// New returns a UTC-stamped stdout logger for the given level ("debug" enables Debugf).
func New(level string) *Std {
	return &Std{
		std:   log.New(os.Stdout, "", log.LstdFlags|log.LUTC),
		debug: strings.EqualFold(strings.TrimSpace(level), "debug"),
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Std {
	return &Std{std: log.New(io.Discard, "", 0)}
}

func (l *Std) Debugf(format string, args ...any) {
	if l.debug {
		l.std.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Std) Infof(format string, args ...any) { l.std.Printf(format, args...) }

func (l *Std) Warnf(format string, args ...any) { l.std.Printf("WARNING: "+format, args...) }

func (l *Std) Errorf(format string, args ...any) { l.std.Printf("ERROR: "+format, args...) }

// Rollbar forwards warnings and errors to Rollbar and everything to the wrapped logger.
type Rollbar struct {
	next Logger
}

var _ Logger = (*Rollbar)(nil)

// NewRollbar configures the global rollbar client.
func NewRollbar(next Logger, token, env, codeVersion string) *Rollbar {
	rollbar.SetToken(token)
	rollbar.SetEnvironment(env)
	rollbar.SetCodeVersion(codeVersion)
	rollbar.SetServerRoot("schoolgate")
	return &Rollbar{next: next}
}

func (l *Rollbar) Debugf(format string, args ...any) { l.next.Debugf(format, args...) }

func (l *Rollbar) Infof(format string, args ...any) { l.next.Infof(format, args...) }

func (l *Rollbar) Warnf(format string, args ...any) {
	rollbar.Warning(fmt.Sprintf(format, args...))
	l.next.Warnf(format, args...)
}

func (l *Rollbar) Errorf(format string, args ...any) {
	rollbar.Error(fmt.Sprintf(format, args...))
	l.next.Errorf(format, args...)
}

// Close flushes queued Rollbar items.
func (l *Rollbar) Close() { rollbar.Close() }
