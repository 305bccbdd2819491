package emit

import (
	"context"
	"log/slog"
)

// SlogEmitter implements Emitter on top of a structured slog.Logger.
//
// Node failures are logged at Error level, retries and interrupts at Warn
// and Info, everything else at Debug.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter wraps logger. A nil logger uses slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit logs the event with its metadata as attributes.
func (s *SlogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, len(event.Meta)+3)
	attrs = append(attrs,
		slog.String("thread", event.ThreadID),
		slog.Int("step", event.Step),
	)
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(context.Background(), levelFor(event.Msg), event.Msg, attrs...)
}

func levelFor(msg string) slog.Level {
	switch msg {
	case MsgNodeError:
		return slog.LevelError
	case MsgNodeRetry:
		return slog.LevelWarn
	case MsgInterrupt, MsgRunStart, MsgRunEnd, MsgStateUpdate:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
