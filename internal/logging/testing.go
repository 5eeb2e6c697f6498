package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every level, Trace included.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops everything recorded so far.
func (t *TestLogger) Reset() { t.observed.TakeAll() }

func (t *TestLogger) logged(level zapcore.Level, msgContains string) bool {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msgContains) {
			return true
		}
	}
	return false
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if !t.logged(level, msgContains) {
		tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
	}
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if t.logged(level, msgContains) {
		tb.Errorf("unexpected log at %v containing %q", level, msgContains)
	}
}

func fieldEquals(f zapcore.Field, want any) bool {
	if f.Type == zapcore.StringType {
		return f.String == want
	}
	return reflect.DeepEqual(f.Interface, want)
}

// AssertField checks that some entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		for _, f := range e.Context {
			if f.Key == key && fieldEquals(f, want) {
				return
			}
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, want, msg)
}

// AssertTaskCorrelation checks the task.id field injected by WithTask.
func (t *TestLogger) AssertTaskCorrelation(tb testing.TB, msg, taskID string) {
	tb.Helper()
	t.AssertField(tb, msg, "task.id", taskID)
}

// AssertStageCorrelation checks the stage field injected by WithStage.
func (t *TestLogger) AssertStageCorrelation(tb testing.TB, msg, stage string) {
	tb.Helper()
	t.AssertField(tb, msg, "stage", stage)
}

// AssertNoSecrets fails on any message or string field that matches a
// default redaction pattern, and on any sensitive-named string field that
// was not redacted.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	red := NewDefaultConfig().Redaction
	patterns := make([]*regexp.Regexp, len(red.Patterns))
	for i, p := range red.Patterns {
		patterns[i] = regexp.MustCompile(p)
	}
	matches := func(s string) bool {
		for _, re := range patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}
	sensitive := func(key string) bool {
		key = strings.ToLower(key)
		for _, name := range red.Fields {
			if strings.Contains(key, name) {
				return true
			}
		}
		return false
	}

	for _, e := range t.observed.All() {
		if matches(e.Message) {
			tb.Errorf("sensitive pattern in message: %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			if sensitive(f.Key) && f.String != "" && !strings.Contains(f.String, "[REDACTED]") {
				tb.Errorf("sensitive field %q not redacted: %q", f.Key, f.String)
			}
			if matches(f.String) {
				tb.Errorf("sensitive pattern in field %q: %q", f.Key, f.String)
			}
		}
	}
}
