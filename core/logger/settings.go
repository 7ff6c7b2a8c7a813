package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	coreconfig "github.com/m3rciful/userbots/core/config"
)

const (
	defaultSampleNum = 1
	defaultSampleDen = 50

	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
)

// settings is the logging configuration after defaults are applied.
type settings struct {
	format    logFormat
	level     slog.Level
	keyOrder  []string
	sampleNum int
	sampleDen int
	profile   string
	filePath  string
	rotation  coreconfig.LoggingConfig
}

func resolveSettings(cfg *coreconfig.Config) settings {
	s := settings{
		format:    formatJSON,
		level:     slog.LevelInfo,
		keyOrder:  append([]string(nil), defaultKeyOrder...),
		sampleNum: defaultSampleNum,
		sampleDen: defaultSampleDen,
		profile:   "prod",
	}
	if cfg == nil {
		return s
	}
	lc := cfg.Logging
	s.rotation = lc
	if p := strings.ToLower(strings.TrimSpace(lc.Profile)); p != "" {
		s.profile = p
	}
	s.format = resolveFormat(lc.Format, s.profile)
	s.level = resolveLevel(lc.Level)
	if order := splitList(lc.KeysOrder); len(order) > 0 && lc.KeysOrder != "default" {
		s.keyOrder = order
	}
	if spec := strings.TrimSpace(lc.DebugSample); spec != "" {
		s.sampleNum, s.sampleDen = parseRatioSpec(spec)
	}
	if dir, name := strings.TrimSpace(lc.Dir), strings.TrimSpace(lc.BotFile); dir != "" && name != "" {
		s.filePath = filepath.Join(dir, name)
	}
	return s
}

func resolveFormat(raw, profile string) logFormat {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "kv", "text", "pretty":
		return formatKV
	case "json":
		return formatJSON
	}
	if profile == "debug" || profile == "dev" {
		return formatKV
	}
	return formatJSON
}

func resolveLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// outputs opens stdout and, when configured, the rotating file sink.
func (s settings) outputs() ([]io.Writer, []io.Closer, error) {
	writers := []io.Writer{os.Stdout}
	if s.filePath == "" {
		return writers, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logger: create log dir: %w", err)
	}
	rot := newRotatingFile(s.filePath, s.rotation)
	return append(writers, rot), []io.Closer{rot}, nil
}

func newRotatingFile(path string, lc coreconfig.LoggingConfig) *lumberjack.Logger {
	size, backups := lc.MaxSizeMB, lc.MaxBackups
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	if backups <= 0 {
		backups = defaultMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    size,
		MaxBackups: backups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
}

func traceFromEnv() bool {
	for _, name := range []string{"TRACE", "LOG_TRACE"} {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
		case "1", "true", "on", "yes":
			return true
		}
	}
	return false
}
