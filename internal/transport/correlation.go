package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/larderbook/parcel-notify/internal/observability"
)

// CorrelationMiddleware stamps every request with a correlation id, taken
// from X-Request-ID when the caller supplies one, and makes it available to
// downstream code via the user context.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		correlationID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), correlationID))
		c.Set(fiber.HeaderXRequestID, correlationID)

		return c.Next()
	}
}
