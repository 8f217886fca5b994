package logger

import (
	"context"
	"sync"
)

type ctxKey struct{}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(nil)
)

// GetDefault returns the process-wide logger used when a context carries none.
func GetDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger installs l as the process-wide logger. A nil l is ignored.
func SetDefaultLogger(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithContext attaches l to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext never returns nil.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return GetDefault()
}

// WithField returns a child context whose logger carries key.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

// WithFields returns a child context whose logger carries fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

// SetJobID tags every line logged through ctx with the ingest job id.
func SetJobID(ctx context.Context, jobID string) context.Context {
	return WithField(ctx, FieldJobID, jobID)
}

// GetJobID returns the ingest job id carried by ctx, or "".
func GetJobID(ctx context.Context) string {
	id, _ := FromContext(ctx).Data[FieldJobID].(string)
	return id
}
