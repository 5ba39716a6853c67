package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const prettyIndent = "    "

// prettyHandler renders records as one coloured key=value line per record, wrapped to the terminal width.
// Attributes bound with WithAttrs are rendered once, under the group prefix current at the time.
type prettyHandler struct {
	w         io.Writer
	level     slog.Leveler
	addSource bool
	color     bool
	width     int

	prefix string
	bound  []string

	mu *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	h.width = h.terminalWidth()
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := make([]string, 0, 4+len(h.bound)+r.NumAttrs())
	segs = append(segs,
		paint(ts.Format("15:04:05.000"), ansiDim, h.color),
		levelTag(r.Level, h.color),
		paint(r.Message, ansiBright, h.color),
	)
	if src := h.source(r.PC); src != "" {
		segs = append(segs, src)
	}
	segs = append(segs, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		segs = h.render(segs, h.prefix, a)
		return true
	})

	out := strings.Join(wrapSegments(segs, " ", h.width, prettyIndent), "\n") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.bound = append([]string(nil), h.bound...)
	for _, a := range attrs {
		cp.bound = h.render(cp.bound, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = joinKey(h.prefix, name)
	return &cp
}

func (h *prettyHandler) source(pc uintptr) string {
	if !h.addSource || pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim, h.color)
}

// render appends a's segments to segs. Groups flatten into dotted keys; empty groups vanish.
func (h *prettyHandler) render(segs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		inner := prefix
		if key != "" {
			inner = joinKey(prefix, key)
		}
		for _, ga := range a.Value.Group() {
			segs = h.render(segs, inner, ga)
		}
		return segs
	}
	if key == "" || a.Equal(slog.Attr{}) {
		return segs
	}

	full := joinKey(prefix, key)
	shown := full
	if alias, ok := prettyKeyAliases[full]; ok {
		shown = alias
	}
	return append(segs, shown+"="+h.formatValue(full, a.Value))
}

func (h *prettyHandler) formatValue(key string, v slog.Value) string {
	if format, ok := prettyFormats[key]; ok {
		return format(v, h.color)
	}
	return quoteIfNeeded(plainValue(v))
}

// prettyKeyAliases shortens the keys that dominate request and messaging lines.
var prettyKeyAliases = map[string]string{
	"status_class":    "class",
	"duration_ms":     "duration",
	"conversation_id": "conv",
	"message_id":      "msg",
	"notification_id": "notif",
	"client_msg_id":   "cmid",
}

var prettyFormats = map[string]func(slog.Value, bool) string{
	"method": func(v slog.Value, color bool) string {
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), color)
	},
	"path": func(v slog.Value, color bool) string {
		return paint(strings.TrimSpace(v.String()), ansiCyan, color)
	},
	"status": formatStatus,
	"status_class": func(v slog.Value, color bool) string {
		return colorizeStatusClass(strings.TrimSpace(v.String()), color)
	},
	"class": func(v slog.Value, color bool) string {
		return colorizeStatusClass(strings.TrimSpace(v.String()), color)
	},
	"duration_ms": func(v slog.Value, color bool) string {
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, color)
		}
		return quoteIfNeeded(plainValue(v))
	},
	"result": func(v slog.Value, color bool) string {
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), color)
	},
	"err":         formatErr,
	"error":       formatErr,
	"sync":        func(v slog.Value, color bool) string { return colorizeSync(strings.TrimSpace(v.String()), color) },
	"sender_type": formatSenderType,
	"scope":       formatScope,

	"conversation_id": formatID,
	"message_id":      formatID,
	"notification_id": formatID,
	"order_id":        formatID,
	"store_id":        formatID,
	"user_id":         formatID,
	"recipient_id":    formatID,
	"session_id":      formatID,
}

// formatStatus colours HTTP codes by class and conversation statuses by lifecycle.
func formatStatus(v slog.Value, color bool) string {
	if n, ok := valueToInt64(v); ok {
		return colorizeStatusCode(int(n), color)
	}
	s := strings.TrimSpace(plainValue(v))
	switch s {
	case "active":
		return paint(s, ansiGreen, color)
	case "closed":
		return paint(s, ansiDim, color)
	case "disputed":
		return paint(s, ansiRed, color)
	default:
		return quoteIfNeeded(s)
	}
}

func formatSenderType(v slog.Value, color bool) string {
	s := strings.TrimSpace(plainValue(v))
	switch s {
	case "customer":
		return paint(s, ansiCyan, color)
	case "store":
		return paint(s, ansiGreen, color)
	case "admin":
		return paint(s, ansiYellow, color)
	default:
		return quoteIfNeeded(s)
	}
}

// formatScope dims the order:/store: prefix so the id stands out.
func formatScope(v slog.Value, color bool) string {
	s := strings.TrimSpace(plainValue(v))
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return quoteIfNeeded(s)
	}
	return paint(kind+":", ansiDim, color) + paint(quoteIfNeeded(id), ansiMagenta, color)
}

func formatID(v slog.Value, color bool) string {
	return paint(quoteIfNeeded(plainValue(v)), ansiMagenta, color)
}

func formatErr(v slog.Value, color bool) string {
	return paint(quoteIfNeeded(plainValue(v)), ansiRed, color)
}

// plainValue is slog's text form, except times use RFC 3339 and errors their message.
func plainValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

var levelStyles = [...]struct {
	min   slog.Level
	tag   string
	color string
}{
	{slog.LevelError, "[ERROR]", ansiRed},
	{slog.LevelWarn, "[WARN]", ansiYellow},
	{slog.LevelInfo, "[INFO]", ansiBlue},
}

func levelTag(level slog.Level, color bool) string {
	for _, s := range levelStyles {
		if level >= s.min {
			return paint(s.tag, s.color, color)
		}
	}
	return paint("[DEBUG]", ansiMagenta, color)
}
