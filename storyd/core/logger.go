package core

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Oudwins/storyd/internals/assert"
	"github.com/Oudwins/storyd/internals/conf"
)

// InitLogger logs to stdout, coloured when it is a terminal, and as JSON to
// a rotating file under the data dir.
func InitLogger(config *conf.Config) (*slog.Logger, io.Closer) {
	logPath := config.LogPath()
	err := os.MkdirAll(filepath.Dir(logPath), 0o755)
	assert.AssertNil(err, "[CORE] Failed to initialize log directory")

	level := ParseLevel(config.Log.Level)
	file := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    config.Log.MaxSizeMB,
		MaxBackups: config.Log.MaxBackups,
		MaxAge:     config.Log.MaxAgeDays,
		Compress:   true,
	}

	var console slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		console = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	} else {
		console = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level, AddSource: true})

	logger := slog.New(slogmulti.Fanout(console, fileHandler)).With(slog.String("version", config.Version))
	slog.SetDefault(logger)
	return logger, file
}

func ParseLevel(level string) slog.Level {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}
