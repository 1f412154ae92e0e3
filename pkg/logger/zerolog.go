package logger

import (
	"github.com/rs/zerolog"
)

// ZerologHandler adapts a zerolog.Logger to the Logger interface.
// It is the handler used by the opsyncd agent, which wants leveled JSON
// output and file rotation.
type ZerologHandler struct {
	logger zerolog.Logger
}

// NewZerolog creates a Logger backed by the given zerolog.Logger.
func NewZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	handler.emit(handler.logger.Error(), msg, args)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	handler.emit(handler.logger.Warn(), msg, args)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	handler.emit(handler.logger.Info(), msg, args)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	handler.emit(handler.logger.Debug(), msg, args)
}

// emit maps slog-style key/value pairs onto zerolog fields. An element that
// is not a string key consumes one slot and is logged under "!BADKEY",
// matching slog, so the value after it is still paired with its own key.
func (handler *ZerologHandler) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i < len(args); {
		key, ok := args[i].(string)
		if !ok || i+1 == len(args) {
			ev = ev.Interface("!BADKEY", args[i])
			i++
			continue
		}
		ev = ev.Interface(key, args[i+1])
		i += 2
	}
	ev.Msg(msg)
}
