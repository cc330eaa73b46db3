package correlation

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

const localsKey = "correlation_id"

// RequestID reads X-Correlation-ID or generates one, and echoes it on the response.
func RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     Header,
		Generator:  New,
		ContextKey: localsKey,
	})
}

// Bind moves the id stored by RequestID into the request's user context.
// Register it after RequestID and after any middleware that replaces the user context.
func Bind() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, _ := c.Locals(localsKey).(string)
		if id = Sanitize(id); id == "" {
			id = New()
			c.Set(Header, id)
		}

		c.SetUserContext(WithID(c.UserContext(), id))
		return c.Next()
	}
}

// FromFiber returns the id bound to the request, if any.
func FromFiber(c *fiber.Ctx) string {
	return FromContext(c.UserContext())
}
