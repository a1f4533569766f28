// Package auth carries the per-request caller identity through contexts
// and across RPC boundaries.
package auth

import "context"

// RequestContext identifies the caller of an API request or RPC message.
// It travels with every operation so workers and stores can authorize and
// attribute their work.
type RequestContext struct {
	RequestID   string   `json:"request_id"`
	UserID      string   `json:"user_id"`
	ProjectID   string   `json:"project_id"`
	IsAdmin     bool     `json:"is_admin"`
	Roles       []string `json:"roles"`
	RemoteAddr  string   `json:"remote_address,omitempty"`
	ReadDeleted bool     `json:"read_deleted"`
}

type contextKey struct{}

// NewContext returns a child context carrying rc.
func NewContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext extracts the caller identity, or nil when absent.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}
