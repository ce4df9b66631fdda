package clients

import "context"

// contextKey is a private type so client context keys can't collide with
// anyone else's.
type contextKey string

// UserIDKey carries the acting user's profile id; HTTPClient forwards it
// as the X-User-ID header on outbound service calls.
const UserIDKey contextKey = "user-id"

// WithUserID attaches a user profile id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID reads the user profile id back out of the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
