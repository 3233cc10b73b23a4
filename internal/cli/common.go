package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Version information for all CLI tools
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-15"
	CommitSHA = "unknown" // Will be set during build
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err == nil {
			fmt.Println(string(data))
			return
		}
		fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// ExitWithCode exits with the specified code and optional message
func ExitWithCode(code int, format string, args ...interface{}) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// Log levels, least verbose first.
const (
	LevelError int32 = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps a level name to its value. Unknown names select
// LevelWarn.
func ParseLevel(name string) int32 {
	switch strings.ToLower(name) {
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelWarn
	}
}

// Logger provides leveled logging for CLI tools. The level can be changed
// while other goroutines log.
type Logger struct {
	level atomic.Int32

	mu  sync.Mutex
	out io.Writer
}

// NewLogger creates a new logger instance. verbose enables info messages
// and debug enables debug messages as well.
func NewLogger(verbose, debug bool) *Logger {
	l := &Logger{out: os.Stdout}
	switch {
	case debug:
		l.level.Store(LevelDebug)
	case verbose:
		l.level.Store(LevelInfo)
	default:
		l.level.Store(LevelWarn)
	}
	return l
}

// NewLevelLogger creates a logger writing to out at the named level.
func NewLevelLogger(out io.Writer, level string) *Logger {
	l := &Logger{out: out}
	l.level.Store(ParseLevel(level))
	return l
}

// SetLevel changes the level by name.
func (l *Logger) SetLevel(level string) { l.level.Store(ParseLevel(level)) }

// Level returns the current level.
func (l *Logger) Level() int32 { return l.level.Load() }

func (l *Logger) logf(level int32, tag, format string, args []interface{}) {
	if l.level.Load() < level {
		return
	}
	line := fmt.Sprintf("[%s] %s: %s\n", tag, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	l.mu.Lock()
	_, _ = io.WriteString(l.out, line)
	l.mu.Unlock()
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) { l.logf(LevelInfo, "INFO", format, args) }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(LevelDebug, "DEBUG", format, args) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(LevelWarn, "WARN", format, args) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.logf(LevelError, "ERROR", format, args) }

// HandleError handles errors in a consistent way
func HandleError(err error, logger *Logger) {
	if err != nil {
		if logger != nil {
			logger.Error("%v", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
