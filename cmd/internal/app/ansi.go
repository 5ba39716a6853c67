package app

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"

	logWidthEnv     = "PARLEY_LOG_WIDTH"
	defaultLogWidth = 100
	minLogWidth     = 20
	ellipsis        = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string { return ansiPattern.ReplaceAllString(s, "") }

// visualLen is the printed width of s in runes, ignoring colour escapes.
func visualLen(s string) int { return utf8.RuneCountInString(stripANSI(s)) }

func paint(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET", "HEAD":
		return paint(m, ansiGreen, color)
	case "POST":
		return paint(m, ansiBlue, color)
	case "PUT", "PATCH":
		return paint(m, ansiYellow, color)
	case "DELETE":
		return paint(m, ansiRed, color)
	default:
		return paint(m, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), statusColor(code), color)
}

func colorizeStatusClass(class string, color bool) string {
	if len(class) == 0 || class[0] < '1' || class[0] > '5' {
		return quoteIfNeeded(class)
	}
	return paint(class, statusColor(int(class[0]-'0')*100), color)
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return quoteIfNeeded(result)
	}
}

// colorizeSync renders a session's realtime sync state.
func colorizeSync(state string, color bool) string {
	switch state {
	case "subscribed":
		return paint(state, ansiGreen, color)
	case "unsubscribed":
		return paint(state, ansiDim, color)
	default:
		return quoteIfNeeded(state)
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// wrapSegments packs segs greedily into lines no wider than width. Continuation lines start with
// indent; a segment that cannot fit on a line of its own is truncated with an ellipsis.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	var (
		lines []string
		cur   strings.Builder
		curW  int
	)
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
			curW = 0
		}
	}

	for _, seg := range segs {
		prefix := ""
		if len(lines) > 0 {
			prefix = indent
		}
		segW := visualLen(seg)

		if cur.Len() > 0 {
			if curW+visualLen(sep)+segW <= width {
				cur.WriteString(sep)
				cur.WriteString(seg)
				curW += visualLen(sep) + segW
				continue
			}
			flush()
			prefix = indent
		}

		room := width - visualLen(prefix)
		if segW > room {
			seg = truncateVisual(seg, room)
			segW = visualLen(seg)
		}
		cur.WriteString(prefix)
		cur.WriteString(seg)
		curW = visualLen(prefix) + segW
	}
	flush()
	return lines
}

// truncateVisual cuts s to at most n visible runes including the ellipsis. Colour escapes are dropped.
func truncateVisual(s string, n int) string {
	plain := []rune(stripANSI(s))
	if len(plain) <= n {
		return string(plain)
	}
	if n <= 1 {
		return ellipsis
	}
	return string(plain[:n-1]) + ellipsis
}

// terminalWidth resolves the wrap width: PARLEY_LOG_WIDTH, then COLUMNS, then a fixed default. Values
// too narrow to be useful are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{logWidthEnv, "COLUMNS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil && n > minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}
