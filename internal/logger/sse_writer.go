package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

const (
	defaultTimeFormat = time.Kitchen
	sseTopic          = "logs"
)

// SSEPublisher is the slice of sse.Server the writer needs.
type SSEPublisher interface {
	Publish(topic string, event *sse.Event)
}

// Formatter renders one decoded event part as a string.
type Formatter func(interface{}) string

// LogMessage is the JSON payload published on the log stream.
type LogMessage struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Bytes marshals the message for the wire.
func (m LogMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// SSEWriter decodes zerolog JSON lines and republishes them in a
// console-like format on the "logs" SSE stream.
type SSEWriter struct {
	SSE        SSEPublisher
	TimeFormat string
	PartsOrder []string
}

// NewSSEWriter returns a writer with console-style defaults. Options mutate
// the writer before first use.
func NewSSEWriter(pub SSEPublisher, options ...func(w *SSEWriter)) SSEWriter {
	w := SSEWriter{
		SSE:        pub,
		TimeFormat: defaultTimeFormat,
		PartsOrder: defaultPartsOrder(),
	}

	for _, opt := range options {
		opt(&w)
	}

	return w
}

func defaultPartsOrder() []string {
	return []string{
		zerolog.TimestampFieldName,
		zerolog.LevelFieldName,
		zerolog.CallerFieldName,
		zerolog.MessageFieldName,
	}
}

// Write decodes one zerolog line and publishes it. A writer without an SSE
// server swallows the line so logging keeps working before the HTTP layer
// is up.
func (w SSEWriter) Write(p []byte) (n int, err error) {
	if w.SSE == nil {
		return 0, nil
	}

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return n, fmt.Errorf("cannot decode event: %s", err)
	}

	buf := new(bytes.Buffer)
	for _, part := range w.PartsOrder {
		// time and level have dedicated message fields
		if part == zerolog.TimestampFieldName || part == zerolog.LevelFieldName {
			continue
		}
		w.writePart(buf, evt, part)
	}
	w.writeFields(buf, evt)

	msg := LogMessage{
		Time:    defaultFormatTimestamp(w.TimeFormat)(evt[zerolog.TimestampFieldName]),
		Level:   defaultFormatLevel()(evt[zerolog.LevelFieldName]),
		Message: strings.TrimSpace(buf.String()),
	}

	data, err := msg.Bytes()
	if err != nil {
		return n, err
	}

	w.SSE.Publish(sseTopic, &sse.Event{Data: data})

	return len(p), nil
}

// writePart appends one formatted part of the event to the buffer.
func (w SSEWriter) writePart(buf *bytes.Buffer, evt map[string]interface{}, p string) {
	var f Formatter

	switch p {
	case zerolog.TimestampFieldName:
		f = defaultFormatTimestamp(w.TimeFormat)
	case zerolog.LevelFieldName:
		f = defaultFormatLevel()
	case zerolog.CallerFieldName:
		f = defaultFormatCaller()
	case zerolog.MessageFieldName:
		f = defaultFormatMessage
	default:
		f = defaultFormatFieldValue
	}

	if s := f(evt[p]); len(s) > 0 {
		buf.WriteString(s)
		buf.WriteByte(' ')
	}
}

// writeFields appends every non-standard field as name=value pairs, sorted
// by name for stable output.
func (w SSEWriter) writeFields(buf *bytes.Buffer, evt map[string]interface{}) {
	fields := make([]string, 0, len(evt))
	for field := range evt {
		switch field {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.CallerFieldName, zerolog.MessageFieldName:
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		var fn Formatter
		var fv Formatter

		if field == zerolog.ErrorFieldName {
			fn = defaultFormatErrFieldName()
			fv = defaultFormatErrFieldValue()
		} else {
			fn = defaultFormatFieldName()
			fv = defaultFormatFieldValue
		}

		buf.WriteString(fn(field))

		switch value := evt[field].(type) {
		case string:
			if needsQuote(value) {
				buf.WriteString(fv(strconv.Quote(value)))
			} else {
				buf.WriteString(fv(value))
			}
		case json.Number:
			buf.WriteString(fv(value))
		default:
			b, err := json.Marshal(value)
			if err != nil {
				fmt.Fprintf(buf, "[error: %v]", err)
			} else {
				buf.WriteString(fv(string(b)))
			}
		}
		buf.WriteByte(' ')
	}
}

// needsQuote reports whether the string must be quoted to survive a
// space-separated key=value rendering.
func needsQuote(s string) bool {
	for i := range s {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return false
}

func defaultFormatTimestamp(timeFormat string) Formatter {
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	return func(i interface{}) string {
		t := "<nil>"
		switch tt := i.(type) {
		case string:
			ts, err := time.ParseInLocation(zerolog.TimeFieldFormat, tt, time.Local)
			if err != nil {
				t = tt
			} else {
				t = ts.Local().Format(timeFormat)
			}
		case json.Number:
			i, err := tt.Int64()
			if err != nil {
				t = tt.String()
			} else {
				var sec, nsec int64 = i, 0
				switch zerolog.TimeFieldFormat {
				case zerolog.TimeFormatUnixMs:
					nsec = int64(time.Duration(i) * time.Millisecond)
					sec = 0
				case zerolog.TimeFormatUnixMicro:
					nsec = int64(time.Duration(i) * time.Microsecond)
					sec = 0
				}
				t = time.Unix(sec, nsec).Local().Format(timeFormat)
			}
		}
		return t
	}
}

func defaultFormatLevel() Formatter {
	return func(i interface{}) string {
		if ll, ok := i.(string); ok {
			switch ll {
			case zerolog.LevelTraceValue:
				return "TRC"
			case zerolog.LevelDebugValue:
				return "DBG"
			case zerolog.LevelInfoValue:
				return "INF"
			case zerolog.LevelWarnValue:
				return "WRN"
			case zerolog.LevelErrorValue:
				return "ERR"
			case zerolog.LevelFatalValue:
				return "FTL"
			case zerolog.LevelPanicValue:
				return "PNC"
			default:
				return ll
			}
		}
		if i == nil {
			return "???"
		}
		return fmt.Sprintf("%v", i)
	}
}

func defaultFormatCaller() Formatter {
	return func(i interface{}) string {
		var c string
		if cc, ok := i.(string); ok {
			c = cc
		}
		if len(c) > 0 {
			if cwd, err := os.Getwd(); err == nil {
				if rel, err := filepath.Rel(cwd, c); err == nil {
					c = rel
				}
			}
			c = c + " >"
		}
		return c
	}
}

func defaultFormatMessage(i interface{}) string {
	if i == nil {
		return ""
	}
	return fmt.Sprintf("%s", i)
}

func defaultFormatFieldName() Formatter {
	return func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
}

func defaultFormatFieldValue(i interface{}) string {
	return fmt.Sprintf("%s", i)
}

func defaultFormatErrFieldName() Formatter {
	return func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
}

func defaultFormatErrFieldValue() Formatter {
	return func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
}
