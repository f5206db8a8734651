// Package correlation carries the identifiers that tie the log lines of one
// request, batch run or analyzed call together.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Headers read from clients and echoed back on responses.
const (
	HTTPHeader          = "X-Correlation-ID"
	HTTPRequestIDHeader = "X-Request-ID"
)

// MaxIDLength bounds client-supplied IDs before they reach logs and reports.
const MaxIDLength = 128

type ctxKey struct{ name string }

var (
	correlationKey = ctxKey{"correlation_id"}
	callKey        = ctxKey{"call_id"}
)

// ID identifies one request or batch run.
type ID string

func (id ID) String() string { return string(id) }

// IsEmpty reports whether no ID was assigned.
func (id ID) IsEmpty() bool { return id == "" }

// New returns a random UUIDv4 ID.
func New() ID {
	return ID(uuid.NewString())
}

// Sanitize returns raw as an ID when it is short and printable ASCII, and an
// empty ID otherwise so callers fall back to a generated one.
func Sanitize(raw string) ID {
	if raw == "" || len(raw) > MaxIDLength {
		return ""
	}
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return ID(raw)
}

// WithCorrelationID attaches id to ctx.
func WithCorrelationID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContext returns the ID attached to ctx, or an empty ID.
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey).(ID)
	return id
}

// FromContextOrNew returns the ID attached to ctx, generating one if absent.
func FromContextOrNew(ctx context.Context) ID {
	if id := FromContext(ctx); !id.IsEmpty() {
		return id
	}
	return New()
}

// WithCallID attaches the ID of the call under analysis.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callKey, callID)
}

// CallIDFromContext returns the call ID attached to ctx, if any.
func CallIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	callID, _ := ctx.Value(callKey).(string)
	return callID
}
