package utils

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel orders message severities.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

const redactedPlaceholder = "[REDACTED]"

var (
	loggerInstance *Logger
	loggerOnce     sync.Once
)

// Logger writes component-tagged lines to brewva-debug.log in the user's
// home directory. Secrets are redacted before anything hits disk.
type Logger struct {
	file      *os.File
	sink      *log.Logger
	level     LogLevel
	mu        sync.Mutex
	component string
}

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		loggerInstance = newLogger("", levelFromEnv())
	})
	return loggerInstance
}

// NewComponentLogger scopes the shared logger to one component tag.
func NewComponentLogger(component string) *Logger {
	root := GetLogger()
	return &Logger{
		file:      root.file,
		sink:      root.sink,
		level:     root.level,
		component: component,
	}
}

func levelFromEnv() LogLevel {
	switch strings.ToLower(os.Getenv("BREWVA_LOG_LEVEL")) {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func newLogger(component string, level LogLevel) *Logger {
	l := &Logger{level: level, component: component}

	home, err := os.UserHomeDir()
	if err != nil {
		return l
	}
	file, err := os.OpenFile(filepath.Join(home, "brewva-debug.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return l
	}
	l.file = file
	l.sink = log.New(file, "", 0)
	return l
}

// SetLevel adjusts the minimum emitted severity.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close releases the underlying log file.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level LogLevel, format string, args ...any) {
	if level < l.level || l.sink == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file, line = "???", 0
	}

	component := l.component
	if component == "" {
		component = "BREWVA"
	}
	message := fmt.Sprintf(format, args...)
	l.sink.Print(SanitizeLogLine(fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"),
		levelToString(level), component, file, line, message)))
}

func (l *Logger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|session|cookie|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|pat_[A-Za-z0-9]{16,})`,
	)
)

// SanitizeLogLine masks credentials so they never reach the debug log.
func SanitizeLogLine(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		parts := authorizationBearerPattern.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		return parts[1] + parts[2] + redactedPlaceholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		return parts[1] + redactedPlaceholder + parts[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + redactedPlaceholder
	})

	return standaloneSecretPattern.ReplaceAllString(sanitized, redactedPlaceholder)
}
