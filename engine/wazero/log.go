package wazero

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// logMessage is the JSON document the guest passes to host_log.
type logMessage struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attrs   []logAttr `json:"attrs,omitempty"`
}

// logAttr is one typed attribute; values travel as strings and are
// re-parsed according to Type.
type logAttr struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// hostLog re-emits a guest log record through the engine's logger at
// the level the guest requested.
func (e *Engine) hostLog(ctx context.Context, m api.Module, stack []uint64) {
	ptr, length := unpackPtrLen(stack[0])
	raw, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.logger.ErrorContext(ctx, "engine log record out of memory bounds", "ptr", ptr, "len", length)
		return
	}

	var msg logMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.logger.ErrorContext(ctx, "malformed engine log record", "error", err, "payload", string(raw))
		return
	}

	attrs := make([]slog.Attr, 0, len(msg.Attrs)+1)
	for _, attr := range msg.Attrs {
		attrs = append(attrs, convertLogAttr(attr))
	}
	attrs = append(attrs, slog.String("source", "engine"))

	e.logger.LogAttrs(ctx, parseLogLevel(msg.Level), msg.Message, attrs...)
}

func parseLogLevel(s string) slog.Level {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func convertLogAttr(attr logAttr) slog.Attr {
	switch attr.Type {
	case "string":
		return slog.String(attr.Key, attr.Value)
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	case "error":
		return slog.Any(attr.Key, fmt.Errorf("%s", attr.Value))
	}
	return slog.Any(attr.Key, attr.Value)
}
