package authcore

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type tabIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine records
// it in audit entries and session fingerprints.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for session
// fingerprinting and audit entries.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithTabID attaches a browser tab identifier to ctx. It feeds only the
// refresh lock arbitration in [Engine.RequestRefresh].
func WithTabID(ctx context.Context, tabID string) context.Context {
	return context.WithValue(ctx, tabIDContextKey{}, tabID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func tabIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	tabID, _ := ctx.Value(tabIDContextKey{}).(string)
	return tabID
}
