// Package middleware provides HTTP middlewares for device identification and
// request logging.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/atinyakov/RealmKeeper/internal/models"
)

type ctxKey string

const deviceKey ctxKey = "device"

// DeviceHeader carries the caller's device ID on every request.
const DeviceHeader = "X-Device-Id"

// DeviceAuth extracts the caller's device ID from the request header and
// stores it in the context. Writes are attributed to this device, so
// requests without a parseable ID are refused.
//
// The development server takes the header at face value. A production
// deployment terminates mutual TLS in front and checks the header against
// the client certificate.
func DeviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(DeviceHeader)
		deviceID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "missing or invalid device id", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), deviceKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDeviceIDFromContext extracts the caller's device ID from the request
// context. Returns the zero UUID if not found.
func GetDeviceIDFromContext(ctx context.Context) models.DeviceID {
	if id, ok := ctx.Value(deviceKey).(models.DeviceID); ok {
		return id
	}
	return uuid.Nil
}
