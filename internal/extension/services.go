package extension

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ToggleStore persists the identifier -> enabled mapping, the only state
// surviving process restarts. Any durable key-value store satisfies the
// contract; the core treats it as an injected dependency.
type ToggleStore interface {
	Load(ctx context.Context) (map[string]bool, error)
	Save(ctx context.Context, toggles map[string]bool) error
}

// KVStore is small durable per-extension storage offered through the
// services bridge. Keys are namespaced by extension identifier so
// extensions cannot read each other's data.
type KVStore interface {
	Get(ctx context.Context, identifier, key string) (string, bool, error)
	Set(ctx context.Context, identifier, key, value string) error
	Delete(ctx context.Context, identifier, key string) error
}

// Services is the auxiliary bundle handed to every extension's setup hook.
// Network calls made through it happen on the extension's own call path,
// never under the registry lock.
type Services struct {
	Logger *slog.Logger
	Logs   *LogBuffer
	HTTP   *http.Client
	KV     KVStore
}

// NewServices builds a services bundle with sane defaults for anything nil.
func NewServices(logger *slog.Logger, logs *LogBuffer, client *http.Client, kv KVStore) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	if logs == nil {
		logs = NewLogBuffer(0)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Services{Logger: logger, Logs: logs, HTTP: client, KV: kv}
}

// Log records a line from an extension into both the host log and the ring
// buffer the admin API serves.
func (s *Services) Log(identifier, level, message string, fields map[string]any) {
	s.Logs.Log(identifier, level, message, fields)

	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "extension", identifier)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	switch level {
	case "debug":
		s.Logger.Debug(message, attrs...)
	case "warn":
		s.Logger.Warn(message, attrs...)
	case "error":
		s.Logger.Error(message, attrs...)
	default:
		s.Logger.Info(message, attrs...)
	}
}
