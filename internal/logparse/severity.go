// Package logparse extracts structure from raw log lines.
package logparse

import (
	"regexp"
	"strings"
)

// Level is a normalized severity.
type Level string

const (
	Trace Level = "TRACE"
	Debug Level = "DEBUG"
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
	Fatal Level = "FATAL"
)

var severityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|ERR|FATAL|CRITICAL|PANIC)\b`)

// Normalize maps the many spellings of a level to its short form.
// Unknown input yields Info.
func Normalize(severity string) Level {
	normalized := strings.ToUpper(strings.TrimSpace(severity))

	switch normalized {
	case "TRACE", "TRAC", "TRC":
		return Trace
	case "DEBUG", "DEBU", "DBG", "DEB":
		return Debug
	case "INFO", "INFORMATION", "INF":
		return Info
	case "WARN", "WARNING", "WRNG", "WRN":
		return Warn
	case "ERROR", "ERR", "ERRO":
		return Error
	case "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC":
		return Fatal
	}
	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "WARN":
			return Warn
		case "ERRO":
			return Error
		case "DEBU":
			return Debug
		case "TRAC":
			return Trace
		case "FATA", "CRIT":
			return Fatal
		}
	}
	return Info
}

// Detect finds the first severity keyword in line. ok is false when the
// line names no level.
func Detect(line string) (lvl Level, ok bool) {
	m := severityRegex.FindStringSubmatch(line)
	if len(m) < 2 {
		return "", false
	}
	return Normalize(m[1]), true
}

// Number is the OpenTelemetry severity number at the base of the level's
// range, or 0 for an unknown level.
func (l Level) Number() int32 {
	switch l {
	case Trace:
		return 1
	case Debug:
		return 5
	case Info:
		return 9
	case Warn:
		return 13
	case Error:
		return 17
	case Fatal:
		return 21
	}
	return 0
}
