// Package correlate replays the three logs of a run into model entities.
//
// The transaction log must be correlated first: the debug and task-graph
// passes resolve task attempts and workers it establishes. Each pass walks
// its log once, in order, on the calling goroutine.
package correlate

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/msageha/vinetrace/internal/logstream"
	"github.com/msageha/vinetrace/internal/model"
)

// Correlator holds the settings shared by all passes. It keeps no per-run
// state, so one Correlator may serve many runs.
type Correlator struct {
	config   model.Config
	location *time.Location
	logger   *log.Logger
	logLevel model.LogLevel
}

// New creates a Correlator. The debug-log timezone is resolved eagerly.
func New(cfg model.Config, logger *log.Logger, logLevel model.LogLevel) (*Correlator, error) {
	loc, err := time.LoadLocation(cfg.Debug.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load debug timezone %q: %w", cfg.Debug.Timezone, err)
	}
	return &Correlator{
		config:   cfg,
		location: loc,
		logger:   logger,
		logLevel: logLevel,
	}, nil
}

// anomaly logs a recoverable finding and records it on the run.
func (c *Correlator) anomaly(run *model.Run, kind model.AnomalyKind, logName string, line int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	run.AddAnomaly(model.Anomaly{Kind: kind, Log: logName, Line: line, Message: msg})
	c.log(model.LogLevelWarn, "%s log=%s line=%d %s", kind, logName, line, msg)
}

func (c *Correlator) watchProgress(s *logstream.Stream) {
	s.Progress = func(name string, done, total int) {
		c.log(model.LogLevelDebug, "progress log=%s lines=%d/%d", name, done, total)
	}
}

func (c *Correlator) log(level model.LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s correlate: %s", time.Now().Format(time.RFC3339), level, msg)
}

// nextField returns the first whitespace-delimited token of s and the
// unconsumed remainder.
func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func indexOf(parts []string, tok string) int {
	for i, p := range parts {
		if p == tok {
			return i
		}
	}
	return -1
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
