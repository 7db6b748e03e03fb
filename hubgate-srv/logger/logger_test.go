package logger

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		t.Run(level.String(), func(t *testing.T) {
			SetLevel(level)
			if GetLevel() != level {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), level)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"warning alias", "warning", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"mixed case", "DeBuG", DEBUG},
		{"padded", "  error ", ERROR},
		{"unknown level", "VERBOSE", INFO}, // Default is INFO
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if got := LogLevel(99).String(); got != "UNKNOWN" {
		t.Errorf("LogLevel(99).String() = %q, want UNKNOWN", got)
	}
	if got := WARN.String(); got != "WARN" {
		t.Errorf("WARN.String() = %q", got)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		logFunc         func(string, ...any)
		shouldBePrinted bool
	}{
		{"trace with trace level", TRACE, Trace, true},
		{"trace with debug level", DEBUG, Trace, false},
		{"debug with debug level", DEBUG, Debug, true},
		{"debug with info level", INFO, Debug, false},
		{"info with info level", INFO, Info, true},
		{"info with warn level", WARN, Info, false},
		{"warn with warn level", WARN, Warn, true},
		{"warn with error level", ERROR, Warn, false},
		{"error with error level", ERROR, Error, true},
		{"error with fatal level", FATAL, Error, false},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)
			output := captureOutput(func() {
				tt.logFunc("test message")
			})

			if tt.shouldBePrinted && output == "" {
				t.Errorf("expected log output, got none")
			}
			if !tt.shouldBePrinted && output != "" {
				t.Errorf("expected no log output, got %q", output)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(TRACE)

	tests := []struct {
		name    string
		logFunc func(string, ...any)
		level   string
		format  string
		args    []any
	}{
		{"trace with no args", Trace, "TRACE", "dial allowed", nil},
		{"info with string arg", Info, "INFO", "listening on %s", []any{"127.0.0.1:8081"}},
		{"warn with multiple args", Warn, "WARN", "%s unavailable after %d attempts", []any{"filter", 1}},
		{"error with error arg", Error, "ERROR", "call failed: %v", []any{fmt.Errorf("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureOutput(func() {
				tt.logFunc(tt.format, tt.args...)
			})
			if !strings.Contains(output, "["+tt.level+"]") {
				t.Errorf("output %q does not contain level %s", output, tt.level)
			}
			if expected := fmt.Sprintf(tt.format, tt.args...); !strings.Contains(output, expected) {
				t.Errorf("output %q does not contain %q", output, expected)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name           string
		requestID      string
		format         string
		args           []any
		expectedOutput string
	}{
		{"with request ID", "12345", "GET %s", []any{"devices"}, "[12345] GET devices"},
		{"empty request ID", "", "GET %s", []any{"devices"}, "[] GET devices"},
		{"no args", "abc", "done", nil, "[abc] done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if output := WithRequestID(tt.requestID, tt.format, tt.args...); output != tt.expectedOutput {
				t.Errorf("WithRequestID() = %q, want %q", output, tt.expectedOutput)
			}
		})
	}
}

func TestRedactToken(t *testing.T) {
	sas := "SharedAccessSignature sr=myhub.azure-devices.net&sig=abcdefghijklmnop&se=1700000000&skn=iothubowner"

	redacted := RedactToken(sas)
	if strings.Contains(redacted, "sig=") {
		t.Errorf("redacted token leaks signature: %q", redacted)
	}
	if !strings.HasPrefix(redacted, "SharedAccess") {
		t.Errorf("redacted token lost its prefix: %q", redacted)
	}
	if !strings.Contains(redacted, fmt.Sprintf("len=%d", len(sas))) {
		t.Errorf("redacted token missing length: %q", redacted)
	}

	if got := RedactToken(""); got != "<empty>" {
		t.Errorf("RedactToken(\"\") = %q", got)
	}
	if got := RedactToken("short"); got != "<redacted len=5>" {
		t.Errorf("RedactToken(short) = %q", got)
	}
}
