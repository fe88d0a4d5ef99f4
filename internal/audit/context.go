package audit

import "context"

type clientKey struct{}

type client struct {
	ip        string
	userAgent string
}

// WithClient attaches the caller's address and user agent to ctx so
// components without request parameters can attribute their events
func WithClient(ctx context.Context, sourceIP, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, client{ip: sourceIP, userAgent: userAgent})
}

// ClientFromContext returns the values set by WithClient, or empty strings
func ClientFromContext(ctx context.Context) (sourceIP, userAgent string) {
	if c, ok := ctx.Value(clientKey{}).(client); ok {
		return c.ip, c.userAgent
	}
	return "", ""
}
