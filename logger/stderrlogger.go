package logger

import (
	"fmt"
	"os"
)

type stderrLoggerOutlet struct{}

func (stderrLoggerOutlet) WriteEntry(entry Entry) error {
	fmt.Fprintf(os.Stderr, "%s [%s] %s %v\n", entry.Time.Format("15:04:05.000"), entry.Level.Short(), entry.Message, entry.Fields)
	return nil
}

func NewStderrDebugLogger() Logger {
	outlets := NewOutlets()
	outlets.Add(&stderrLoggerOutlet{}, Debug)
	return NewLogger(outlets)
}
