// Package slogbridge turns application slog records into transport events.
//
// Handler sits in front of the application's regular slog handler. Records at
// or above the configured level are forwarded to an EventSender; everything
// still reaches the next handler unchanged. Records produced by the transport
// itself carry the logging marker and are never forwarded.
package slogbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

type options struct {
	minLevel     slog.Leveler
	requireError bool
	next         slog.Handler
	labels       map[string]string
}

type Option func(*options)

// WithMinLevel sets the lowest level that is forwarded. Default is Error.
func WithMinLevel(level slog.Leveler) Option {
	return func(o *options) {
		o.minLevel = level
	}
}

// WithRequireError controls whether only records with an error attribute are
// forwarded. Default is true.
func WithRequireError(require bool) Option {
	return func(o *options) {
		o.requireError = require
	}
}

// WithNext chains the handler that renders the application's own output.
func WithNext(next slog.Handler) Option {
	return func(o *options) {
		o.next = next
	}
}

// WithLabels adds static labels to every forwarded event.
func WithLabels(labels map[string]string) Option {
	return func(o *options) {
		o.labels = labels
	}
}

type Handler struct {
	sender logging.EventSender
	opts   options

	attrs  []slog.Attr
	groups []string
	marked bool
	next   slog.Handler
}

func New(sender logging.EventSender, opts ...Option) *Handler {
	o := options{
		minLevel:     slog.LevelError,
		requireError: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Handler{sender: sender, opts: o, next: o.next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.opts.minLevel.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var nextErr error
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		nextErr = h.next.Handle(ctx, r)
	}

	if h.marked || logging.IsMarked(r) || r.Level < h.opts.minLevel.Level() {
		return nextErr
	}

	event, ok := h.toEvent(r)
	if !ok {
		return nextErr
	}
	return errors.Join(nextErr, h.sender.Send(event))
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	c := h.clone()
	prefix := c.prefix()
	for _, a := range attrs {
		if logging.IsMarkerAttr(a) {
			c.marked = true
		}
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	if c.next != nil {
		c.next = c.next.WithAttrs(attrs)
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	c := h.clone()
	c.groups = append(c.groups, name)
	if c.next != nil {
		c.next = c.next.WithGroup(name)
	}
	return c
}

func (h *Handler) clone() *Handler {
	c := *h
	c.attrs = slices.Clip(h.attrs)
	c.groups = slices.Clip(h.groups)
	return &c
}

func (h *Handler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

type record struct {
	Level   string         `msgpack:"level"`
	Message string         `msgpack:"msg"`
	Time    time.Time      `msgpack:"time"`
	Source  string         `msgpack:"source,omitempty"`
	Attrs   map[string]any `msgpack:"attrs,omitempty"`
}

func (h *Handler) toEvent(r slog.Record) (logging.Event, bool) {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	var recErr error

	collect := func(prefix string, a slog.Attr) {
		if err, ok := errorValue(a); ok && recErr == nil {
			recErr = err
		}
		flatten(attrs, prefix, a)
	}
	for _, a := range h.attrs {
		collect("", a)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		collect(prefix, a)
		return true
	})

	if recErr == nil && h.opts.requireError {
		return logging.Event{}, false
	}

	source := sourceOf(r)
	errType, errText := "", ""
	if recErr != nil {
		errType = fmt.Sprintf("%T", recErr)
		errText = recErr.Error()
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	labels := map[string]string{
		"level":  r.Level.String(),
		"source": "slog",
	}
	maps.Copy(labels, h.opts.labels)

	payload, err := msgpack.Marshal(record{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    ts,
		Source:  source,
		Attrs:   attrs,
	})
	if err != nil {
		payload = nil
	}

	return logging.Event{
		Key:       logging.NewKey(r.Message, errType, errText, source),
		Timestamp: ts,
		Message:   r.Message,
		Labels:    labels,
		Payload:   payload,
	}, true
}

func errorValue(a slog.Attr) (error, bool) {
	v := a.Value.Resolve()
	if v.Kind() != slog.KindAny {
		return nil, false
	}
	err, ok := v.Any().(error)
	return err, ok && err != nil
}

// flatten writes a into dst with dotted keys, rendering values into types
// msgpack encodes without reflection surprises.
func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := prefix + a.Key

	switch v.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
	case slog.KindString:
		dst[key] = v.String()
	case slog.KindInt64:
		dst[key] = v.Int64()
	case slog.KindUint64:
		dst[key] = v.Uint64()
	case slog.KindFloat64:
		dst[key] = v.Float64()
	case slog.KindBool:
		dst[key] = v.Bool()
	case slog.KindTime:
		dst[key] = v.Time()
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	default:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
			return
		}
		dst[key] = fmt.Sprint(v.Any())
	}
}

func sourceOf(r slog.Record) string {
	if r.PC == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
	if frame.File == "" {
		return frame.Function
	}
	return frame.File + ":" + strconv.Itoa(frame.Line)
}
