package logger

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

const (
	// The field set by the WithError function
	FieldError = "err"
)

const internalErrorPrefix = "github.com/mtth/verdon/logger: "

type Logger interface {
	WithOutlet(outlet Outlet, level Level) Logger
	ReplaceField(field string, val interface{}) Logger
	WithField(field string, val interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Log(level Level, msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Printf(format string, args ...interface{})
}

type loggerImpl struct {
	fields  Fields
	outlets *Outlets
}

var _ Logger = &loggerImpl{}

func NewLogger(outlets *Outlets) Logger {
	return &loggerImpl{
		fields:  make(Fields),
		outlets: outlets,
	}
}

func (l *loggerImpl) Log(level Level, msg string) {
	entry := Entry{level, msg, time.Now(), l.fields}
	for _, out := range l.outlets.Get(level) {
		if err := out.WriteEntry(entry); err != nil {
			fmt.Fprintf(os.Stderr, "%soutlet error: %s\n", internalErrorPrefix, err)
		}
	}
}

func (l *loggerImpl) forkWithField(field string, val interface{}, replace bool) *loggerImpl {
	if _, ok := l.fields[field]; ok && !replace {
		fmt.Fprintf(os.Stderr, "%scaller overwrites field '%s'. Stack:\n%s\n",
			internalErrorPrefix, field, string(debug.Stack()))
	}
	child := &loggerImpl{
		fields:  make(Fields, len(l.fields)+1),
		outlets: l.outlets, // cannot be changed after logger initialized
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[field] = val
	return child
}

func (l *loggerImpl) WithOutlet(outlet Outlet, level Level) Logger {
	newOutlets := l.outlets.DeepCopy()
	newOutlets.Add(outlet, level)
	return &loggerImpl{
		fields:  l.fields,
		outlets: newOutlets,
	}
}

func (l *loggerImpl) ReplaceField(field string, val interface{}) Logger {
	return l.forkWithField(field, val, true)
}

func (l *loggerImpl) WithField(field string, val interface{}) Logger {
	return l.forkWithField(field, val, false)
}

func (l *loggerImpl) WithFields(fields Fields) Logger {
	var ret Logger = l
	for field, value := range fields {
		ret = ret.WithField(field, value)
	}
	return ret
}

func (l *loggerImpl) WithError(err error) Logger {
	val := interface{}(nil)
	if err != nil {
		val = err.Error()
	}
	return l.WithField(FieldError, val)
}

func (l *loggerImpl) Debug(msg string) { l.Log(Debug, msg) }
func (l *loggerImpl) Info(msg string)  { l.Log(Info, msg) }
func (l *loggerImpl) Warn(msg string)  { l.Log(Warn, msg) }
func (l *loggerImpl) Error(msg string) { l.Log(Error, msg) }

func (l *loggerImpl) Printf(format string, args ...interface{}) {
	l.Log(Error, fmt.Sprintf(format, args...))
}
