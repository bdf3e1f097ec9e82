// Package logger provides leveled structured logging.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

// Logger provides leveled logging.
type Logger struct {
	level  Level
	json   bool
	logger *log.Logger
	mu     sync.Mutex
	out    io.Writer
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	InitWriter(level, format, os.Stderr)
}

// InitWriter is Init with an explicit destination.
func InitWriter(level string, format string, w io.Writer) {
	var l Level
	switch strings.ToLower(level) {
	case "debug":
		l = DebugLevel
	case "info":
		l = InfoLevel
	case "warn":
		l = WarnLevel
	case "error":
		l = ErrorLevel
	default:
		l = InfoLevel
	}

	isJSON := strings.ToLower(format) == "json"
	flags := log.LstdFlags | log.Lmicroseconds
	if !isJSON {
		flags |= log.Lshortfile
	}

	defaultLogger = &Logger{
		level:  l,
		json:   isJSON,
		logger: log.New(w, "", flags),
		out:    w,
	}
}

type jsonEntry struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func output(l Level, name, format string, args ...interface{}) {
	if defaultLogger == nil || defaultLogger.level > l {
		return
	}
	emit(name, format, args...)
}

func emit(name, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger.json {
		line, err := json.Marshal(jsonEntry{
			Time:  time.Now().UTC().Format(time.RFC3339Nano),
			Level: strings.ToLower(name),
			Msg:   msg,
		})
		if err != nil {
			return
		}
		defaultLogger.mu.Lock()
		defaultLogger.out.Write(append(line, '\n')) //nolint:errcheck
		defaultLogger.mu.Unlock()
		return
	}
	// skip emit, output and the exported wrapper
	_ = defaultLogger.logger.Output(4, "["+name+"] "+msg)
}

func Debug(format string, args ...interface{}) {
	output(DebugLevel, levelNames[DebugLevel], format, args...)
}

func Info(format string, args ...interface{}) {
	output(InfoLevel, levelNames[InfoLevel], format, args...)
}

func Warn(format string, args ...interface{}) {
	output(WarnLevel, levelNames[WarnLevel], format, args...)
}

func Error(format string, args ...interface{}) {
	output(ErrorLevel, levelNames[ErrorLevel], format, args...)
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		output(ErrorLevel, "FATAL", format, args...)
	}
	os.Exit(1)
}
