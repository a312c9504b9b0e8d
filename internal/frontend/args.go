package frontend

import (
	"fmt"
	"strings"
	"time"

	"lunchbot/internal/envelope"
)

// splitCommand returns the command name (without "/" or "@bot") and its
// arguments. ok is false for plain text.
func splitCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	toks := tokenize(text)
	if len(toks) == 0 {
		return "", nil, false
	}
	name = strings.TrimPrefix(toks[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), toks[1:], true
}

// tokenize splits on whitespace and honours single or double quotes.
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ, qChar = true, ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// parseWhen reads the type-specific time tokens from args and returns the
// schedule time and the remaining tokens.
//
//	daily   HH:MM
//	weekday [mon..sun] HH:MM   (defaults to today's weekday)
//	once    YYYY-MM-DD HH:MM
func parseWhen(typ envelope.ScheduleType, args []string, now time.Time) (time.Time, []string, error) {
	loc := now.Location()
	switch typ {
	case envelope.OneTime:
		if len(args) < 2 {
			return time.Time{}, nil, fmt.Errorf("expected YYYY-MM-DD HH:MM")
		}
		t, err := time.ParseInLocation("2006-01-02 15:04", args[0]+" "+args[1], loc)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("bad date %q: expected YYYY-MM-DD HH:MM", args[0]+" "+args[1])
		}
		return t, args[2:], nil

	case envelope.Weekday:
		day := now.Weekday()
		if len(args) > 0 {
			if wd, ok := weekdays[strings.ToLower(args[0])]; ok {
				day = wd
				args = args[1:]
			}
		}
		h, m, err := parseClock(args)
		if err != nil {
			return time.Time{}, nil, err
		}
		delta := (int(day) - int(now.Weekday()) + 7) % 7
		y, mo, d := now.Date()
		return time.Date(y, mo, d+delta, h, m, 0, 0, loc), args[1:], nil

	case envelope.Daily:
		h, m, err := parseClock(args)
		if err != nil {
			return time.Time{}, nil, err
		}
		y, mo, d := now.Date()
		return time.Date(y, mo, d, h, m, 0, 0, loc), args[1:], nil
	}
	return time.Time{}, nil, fmt.Errorf("unknown schedule type %s", typ)
}

func parseClock(args []string) (hour, minute int, err error) {
	if len(args) == 0 {
		return 0, 0, fmt.Errorf("expected HH:MM")
	}
	t, err := time.Parse("15:04", args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad time %q: expected HH:MM", args[0])
	}
	return t.Hour(), t.Minute(), nil
}
