package history

import (
	"strings"
	"time"
)

// TimestampLayout is the layout of the timestamp that prefixes every message.
const TimestampLayout = "2006-01-02 15:04:05"

// headerLen is len("[") + len(TimestampLayout) + len("]").
const headerLen = len(TimestampLayout) + 2

// Message is a relayed payload stamped with the time the relay accepted it.
type Message struct {
	Time    time.Time
	Payload string
}

// String formats the message as "[<timestamp>] <payload>".
func (m Message) String() string {
	return m.format(m.Payload)
}

// Line is the form written to the history file: String with CR, LF and
// backslash escaped so every message occupies exactly one line.
func (m Message) Line() string {
	return m.format(escapePayload(m.Payload))
}

func (m Message) format(payload string) string {
	var b strings.Builder
	b.Grow(headerLen + 1 + len(payload))
	b.WriteByte('[')
	b.WriteString(m.Time.Format(TimestampLayout))
	b.WriteString("] ")
	b.WriteString(payload)
	return b.String()
}

// Formatted returns the display form of each message, preserving order.
func Formatted(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.String()
	}
	return out
}

// ParseLine parses a line written by Message.Line. It reports false when
// the line does not start with a "[<timestamp>]" header.
func ParseLine(line string) (Message, bool) {
	if len(line) < headerLen || line[0] != '[' || line[headerLen-1] != ']' {
		return Message{}, false
	}

	ts, err := time.ParseInLocation(TimestampLayout, line[1:headerLen-1], time.Local)
	if err != nil {
		return Message{}, false
	}

	rest := line[headerLen:]
	switch {
	case rest == "":
	case rest[0] == ' ':
		rest = rest[1:]
	default:
		return Message{}, false
	}

	return Message{Time: ts, Payload: unescapePayload(rest)}, true
}

var payloadEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escapePayload(s string) string {
	if !strings.ContainsAny(s, "\\\n\r") {
		return s
	}
	return payloadEscaper.Replace(s)
}

func unescapePayload(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
