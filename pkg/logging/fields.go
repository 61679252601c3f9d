package logging

import "log/slog"

// Domain identifiers

func Session(id string) slog.Attr {
	return slog.String("session_id", id)
}

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Guild(id string) slog.Attr {
	return slog.String("guild_id", id)
}

func Event(name string) slog.Attr {
	return slog.String("event", name)
}

func Sequence(seq int64) slog.Attr {
	return slog.Int64("seq", seq)
}

func Close(code int, reason string) slog.Attr {
	return slog.Group("close", slog.Int("code", code), slog.String("reason", reason))
}

// Request / tracing

func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func TraceID(id string) slog.Attr {
	return slog.String("trace_id", id)
}

func SpanID(id string) slog.Attr {
	return slog.String("span_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
