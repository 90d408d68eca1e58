// Package xlog is a thin verbosity-gated wrapper around the standard
// log package, modeled on the pr_err/pr_warning/pr_info/pr_debug
// façade of the original C tool's log.c.
package xlog

import "log"

// Level mirrors the original's LOGLEVEL_ERROR..LOGLEVEL_DEBUG ladder.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

var level = LevelWarning

// SetLevel adjusts the gate for Warningf/Infof/Debugf: each prints only
// when the level is at least its own. Errorf always prints.
func SetLevel(l Level) {
	level = l
}

func Errorf(format string, args ...any) {
	log.Printf("[Error] "+format, args...)
}

func Warningf(format string, args ...any) {
	if level < LevelWarning {
		return
	}

	log.Printf("[Warning] "+format, args...)
}

func Infof(format string, args ...any) {
	if level < LevelInfo {
		return
	}

	log.Printf("[Info] "+format, args...)
}

func Debugf(format string, args ...any) {
	if level < LevelDebug {
		return
	}

	log.Printf("[Debug] "+format, args...)
}
