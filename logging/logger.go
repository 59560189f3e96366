package logging

import log "github.com/sirupsen/logrus"

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...interface{})

	// Log formatted messages with level ERROR
	Errorf(string, ...interface{})

	// Log with level WARN
	Warn(...interface{})

	// Log formatted messages with level WARN
	Warnf(string, ...interface{})

	// Log with level INFO
	Info(...interface{})

	// Log formatted messages with level INFO
	Infof(string, ...interface{})

	// Log with level DEBUG
	Debug(...interface{})

	// Log formatted messages with level DEBUG
	Debugf(string, ...interface{})
}

// DefaultLog provides a default implementation of the Logger interface,
// delegating to the standard logrus logger.
type DefaultLog struct{}

func (l *DefaultLog) Error(a ...interface{})            { log.Error(a...) }
func (l *DefaultLog) Errorf(f string, a ...interface{}) { log.Errorf(f, a...) }
func (l *DefaultLog) Warn(a ...interface{})             { log.Warn(a...) }
func (l *DefaultLog) Warnf(f string, a ...interface{})  { log.Warnf(f, a...) }
func (l *DefaultLog) Info(a ...interface{})             { log.Info(a...) }
func (l *DefaultLog) Infof(f string, a ...interface{})  { log.Infof(f, a...) }
func (l *DefaultLog) Debug(a ...interface{})            { log.Debug(a...) }
func (l *DefaultLog) Debugf(f string, a ...interface{}) { log.Debugf(f, a...) }
