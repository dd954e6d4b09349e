package logging

import "go.uber.org/zap/zapcore"

const (
	BaseDataDir   = "data"
	LogsDir       = "logs"
	LogFileFormat = "2006-01-02T15-04-05Z.log"
)

type LogLevel string

const (
	Development LogLevel = "development" // prints debug and above
	Production  LogLevel = "production"  // prints info and above
)

// Level aliases zapcore's level so callers don't import zap directly.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// ProcessName type to ensure valid process names
type ProcessName string

const (
	EngineProcess    ProcessName = "engine"
	SchedulerProcess ProcessName = "scheduler"
	MonitorProcess   ProcessName = "monitor"
	SinkProcess      ProcessName = "sink"
	TestProcess      ProcessName = "test"
)

type LoggerConfig struct {
	LogDir          string
	ProcessName     ProcessName
	Environment     LogLevel
	UseColors       bool
	MinStdoutLevel  Level
	MinFileLogLevel Level
}

func NewDefaultConfig(processName ProcessName) LoggerConfig {
	return LoggerConfig{
		LogDir:          BaseDataDir,
		ProcessName:     processName,
		Environment:     Development,
		UseColors:       true,
		MinStdoutLevel:  DebugLevel,
		MinFileLogLevel: InfoLevel,
	}
}
