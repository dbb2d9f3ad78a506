package main

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger writes to stderr, or to a size-rotated file when log.file is set.
func newLogger(cfg LogConfig, stderr io.Writer) (*log.Logger, io.Closer, error) {
	if cfg.File == "" {
		return log.New(stderr, "tracksync ", log.LstdFlags), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, err
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	var out io.Writer = rotating
	if cfg.Verbose {
		out = io.MultiWriter(rotating, stderr)
	}
	return log.New(out, "tracksync ", log.LstdFlags|log.LUTC), rotating, nil
}
