package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: Config{Level: LogLevelNormal, Format: "text"},
			want:   LogLevelNormal,
		},
		{
			name:   "verbose json config",
			config: Config{Level: LogLevelVerbose, Format: "json"},
			want:   LogLevelVerbose,
		},
		{
			name:   "quiet config",
			config: Config{Level: LogLevelQuiet, Format: "text"},
			want:   LogLevelQuiet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if logger.GetLevel() != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}
}

func TestNewLoggerWithLogFile(t *testing.T) {
	var buf bytes.Buffer
	logFile := t.TempDir() + "/stateguard.log"

	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, LogFile: logFile})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("written twice")

	if !strings.Contains(buf.String(), "written twice") {
		t.Errorf("expected message in output buffer, got %q", buf.String())
	}
}

func TestNewLoggerInvalidLogFile(t *testing.T) {
	_, err := NewLogger(Config{Level: LogLevelNormal, LogFile: t.TempDir() + "/missing/dir/x.log"})
	if err == nil {
		t.Error("expected error for unwritable log file")
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger()
	if logger == nil {
		t.Fatal("NewDefaultLogger() returned nil")
	}
	if logger.GetLevel() != LogLevelNormal {
		t.Errorf("NewDefaultLogger() level = %v, want %v", logger.GetLevel(), LogLevelNormal)
	}
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	if logger.IsLevelEnabled(LogLevelNormal) {
		t.Error("nop logger should not have info enabled")
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf, Format: "text"})

	logger.WithFields(map[string]interface{}{
		"backup":    "backup_20260101_020000",
		"component": "media",
	}).Info("component done")

	output := buf.String()
	if !strings.Contains(output, "backup=backup_20260101_020000") {
		t.Errorf("expected backup field in output, got %q", output)
	}
	if !strings.Contains(output, "component=media") {
		t.Errorf("expected component field in output, got %q", output)
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	ctx := ContextWithCorrelationID(context.Background(), "abc-123")
	logger.WithContext(ctx).Info("with correlation")

	if !strings.Contains(buf.String(), "correlation_id=abc-123") {
		t.Errorf("expected correlation id in output, got %q", buf.String())
	}
}

func TestLogDatabaseConnection(t *testing.T) {
	tests := []struct {
		name     string
		success  bool
		err      error
		expected string
	}{
		{name: "success", success: true, expected: "Database connection established"},
		{name: "failure", success: false, err: errors.New("refused"), expected: "Database connection failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

			logger.LogDatabaseConnection("mysql", "db.internal:3306/app", tt.success, time.Second, tt.err)

			output := buf.String()
			if !strings.Contains(output, tt.expected) {
				t.Errorf("expected %q in output, got %q", tt.expected, output)
			}
			if tt.err != nil && !strings.Contains(output, "refused") {
				t.Errorf("expected error text in output, got %q", output)
			}
		})
	}
}

func TestLogSubprocess(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogSubprocess("mysqldump", []string{"--host", "db"}, time.Second, errors.New("exit status 2"))

	output := buf.String()
	if !strings.Contains(output, "Subprocess failed") || !strings.Contains(output, "mysqldump") {
		t.Errorf("unexpected output %q", output)
	}
}

func TestLogComponentResult(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogComponentResult("backup", "b1", "database", 10, nil)
	logger.LogComponentResult("backup", "b1", "media", 0, []string{"copy failed"})

	output := buf.String()
	if !strings.Contains(output, "Component finished") {
		t.Errorf("expected success line, got %q", output)
	}
	if !strings.Contains(output, "Component finished with errors") {
		t.Errorf("expected warning line, got %q", output)
	}
}

func TestSetLevel(t *testing.T) {
	logger := NewDefaultLogger()

	logger.SetLevel(LogLevelDebug)
	if logger.GetLevel() != LogLevelDebug {
		t.Errorf("SetLevel() level = %v, want %v", logger.GetLevel(), LogLevelDebug)
	}
	if !logger.IsLevelEnabled(LogLevelVerbose) {
		t.Error("verbose should be enabled at debug level")
	}
}

func TestIsLevelEnabled(t *testing.T) {
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &bytes.Buffer{}})

	tests := []struct {
		level LogLevel
		want  bool
	}{
		{LogLevelQuiet, true},
		{LogLevelNormal, true},
		{LogLevelVerbose, false},
		{LogLevelDebug, false},
	}

	for _, tt := range tests {
		if got := logger.IsLevelEnabled(tt.level); got != tt.want {
			t.Errorf("IsLevelEnabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLogOperationStart(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf})

		done := logger.LogOperationStart("create_backup", map[string]interface{}{"backup": "b1"})
		done(nil)

		output := buf.String()
		if !strings.Contains(output, "Operation started") {
			t.Errorf("expected start line, got %q", output)
		}
		if !strings.Contains(output, "Operation completed") {
			t.Errorf("expected completion line, got %q", output)
		}
	})

	t.Run("failure", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

		done := logger.LogOperationStart("restore_backup", nil)
		done(errors.New("boom"))

		output := buf.String()
		if !strings.Contains(output, "Operation failed") || !strings.Contains(output, "boom") {
			t.Errorf("expected failure line, got %q", output)
		}
	})
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("expected empty correlation id, got %q", got)
	}

	ctx := ContextWithCorrelationID(context.Background(), "id-1")
	if got := CorrelationID(ctx); got != "id-1" {
		t.Errorf("CorrelationID() = %q, want %q", got, "id-1")
	}
}
