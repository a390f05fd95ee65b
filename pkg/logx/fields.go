package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared by the poll pipeline. The operator sink groups repeats by
// KeyMonitor.
const (
	KeyMonitor = "monitor"
	KeyChat    = "chat_id"
	KeyListing = "listing"
	KeyKind    = "kind"
)

// Monitor tags a line with the monitor and the chat that owns it.
func Monitor(id string, chatID int64) Field {
	return func(e *zerolog.Event) {
		e.Str(KeyMonitor, id).Int64(KeyChat, chatID)
	}
}

func Listing(id string) Field { return String(KeyListing, id) }

// Kind records an error classification such as "transient_fetch".
func Kind(kind string) Field { return String(KeyKind, kind) }
