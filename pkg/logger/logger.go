// Package logger defines the logging interface consumed by every opsync
// service, plus ready-made handlers backed by log/slog and zerolog.
//
// Services take a Logger in their Params struct and fall back to Default
// when none is provided, so library consumers can plug in whatever logging
// stack their application already uses.
package logger

import (
	"log/slog"
	"os"
)

// Logger is the minimal structured logging surface used across opsync.
// Arguments are alternating key/value pairs, slog style.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogHandler adapts a log/slog handler to the Logger interface.
type SlogHandler struct {
	logger *slog.Logger
}

// New creates a Logger backed by the given slog handler.
func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

// Default returns a Logger writing text to stdout.
func Default() *SlogHandler {
	return New(slog.NewTextHandler(os.Stdout, nil))
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}
