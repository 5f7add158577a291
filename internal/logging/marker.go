package logging

import (
	"log/slog"
	"strings"
)

// MarkerKey tags log records produced by the transport itself. Intake
// components must drop anything carrying it, otherwise a failing backend
// would feed its own error reports back into the queue.
const MarkerKey = "logtransport_internal"

// Marker returns the attribute attached to every internal diagnostic.
func Marker() slog.Attr {
	return slog.Bool(MarkerKey, true)
}

// IsMarked reports whether the record carries the marker attribute.
func IsMarked(r slog.Record) bool {
	marked := false
	r.Attrs(func(a slog.Attr) bool {
		if IsMarkerAttr(a) {
			marked = true
			return false
		}
		return true
	})
	return marked
}

// IsMarkerAttr reports whether a is the marker attribute.
func IsMarkerAttr(a slog.Attr) bool {
	if a.Key != MarkerKey {
		return false
	}
	v := a.Value.Resolve()
	return v.Kind() == slog.KindBool && v.Bool()
}

// ContainsMarker is the text form of IsMarked, for intake that only sees
// rendered log lines (JSON or text handler output).
func ContainsMarker(line string) bool {
	return strings.Contains(line, MarkerKey)
}
