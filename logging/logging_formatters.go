package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/go-logfmt/logfmt"
	"github.com/pkg/errors"

	"github.com/mtth/verdon/logger"
)

const (
	FieldLevel   = "level"
	FieldMessage = "msg"
	FieldTime    = "time"
)

type MetadataFlags int64

const (
	MetadataTime MetadataFlags = 1 << iota
	MetadataLevel
	MetadataColor

	MetadataNone MetadataFlags = 0
	MetadataAll  MetadataFlags = ^0
)

type EntryFormatter interface {
	SetMetadataFlags(flags MetadataFlags)
	Format(e *logger.Entry) ([]byte, error)
}

const HumanFormatterDateFormat = time.RFC3339

type HumanFormatter struct {
	metadataFlags MetadataFlags
	ignoreFields  map[string]bool
}

var _ EntryFormatter = (*HumanFormatter)(nil)

func (f *HumanFormatter) SetMetadataFlags(flags MetadataFlags) {
	f.metadataFlags = flags
}

func (f *HumanFormatter) SetIgnoreFields(ignore []string) {
	if ignore == nil {
		f.ignoreFields = nil
		return
	}
	f.ignoreFields = make(map[string]bool, len(ignore))
	for _, field := range ignore {
		f.ignoreFields[field] = true
	}
}

func (f *HumanFormatter) ignored(field string) bool {
	return f.ignoreFields != nil && f.ignoreFields[field]
}

func levelColor(l logger.Level) *color.Color {
	switch l {
	case logger.Warn:
		return color.New(color.FgYellow)
	case logger.Error:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func (f *HumanFormatter) Format(e *logger.Entry) (out []byte, err error) {
	var line bytes.Buffer

	if f.metadataFlags&MetadataTime != 0 {
		fmt.Fprintf(&line, "%s ", e.Time.Format(HumanFormatterDateFormat))
	}
	if f.metadataFlags&MetadataLevel != 0 {
		level := fmt.Sprintf("[%s]", e.Level.Short())
		if f.metadataFlags&MetadataColor != 0 {
			level = levelColor(e.Level).Sprint(level)
		}
		fmt.Fprintf(&line, "%s ", level)
	}

	line.WriteString(e.Message)

	for field, value := range e.Fields {
		if f.ignored(field) {
			continue
		}
		fmt.Fprintf(&line, " %s=%q", field, fmt.Sprint(value))
	}

	return line.Bytes(), nil
}

type JSONFormatter struct {
	metadataFlags MetadataFlags
}

var _ EntryFormatter = (*JSONFormatter)(nil)

func (f *JSONFormatter) SetMetadataFlags(flags MetadataFlags) {
	f.metadataFlags = flags
}

func (f *JSONFormatter) Format(e *logger.Entry) ([]byte, error) {
	data := make(logger.Fields, len(e.Fields)+3)
	for field, value := range e.Fields {
		switch v := value.(type) {
		case error:
			// errors are not json.Marshalers
			data[field] = v.Error()
		default:
			data[field] = v
		}
	}
	data[FieldMessage] = e.Message
	if f.metadataFlags&MetadataTime != 0 {
		data[FieldTime] = e.Time.Format(time.RFC3339)
	}
	if f.metadataFlags&MetadataLevel != 0 {
		data[FieldLevel] = e.Level.String()
	}
	return json.Marshal(data)
}

type LogfmtFormatter struct {
	metadataFlags MetadataFlags
}

var _ EntryFormatter = (*LogfmtFormatter)(nil)

func (f *LogfmtFormatter) SetMetadataFlags(flags MetadataFlags) {
	f.metadataFlags = flags
}

func (f *LogfmtFormatter) Format(e *logger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)

	if f.metadataFlags&MetadataTime != 0 {
		if err := enc.EncodeKeyval(FieldTime, e.Time); err != nil {
			return nil, errors.Wrap(err, "cannot encode time field")
		}
	}
	if f.metadataFlags&MetadataLevel != 0 {
		if err := enc.EncodeKeyval(FieldLevel, e.Level.Short()); err != nil {
			return nil, errors.Wrap(err, "cannot encode level field")
		}
	}
	if err := enc.EncodeKeyval(FieldMessage, e.Message); err != nil {
		return nil, errors.Wrap(err, "cannot encode message field")
	}

	for field, value := range e.Fields {
		if err := enc.EncodeKeyval(field, value); err != nil {
			// fall back to a string rendition rather than dropping the field
			if err := enc.EncodeKeyval(field, fmt.Sprint(value)); err != nil {
				return nil, errors.Wrapf(err, "cannot encode field '%s'", field)
			}
		}
	}

	return buf.Bytes(), nil
}
