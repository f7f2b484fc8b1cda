package response

import "github.com/gofiber/fiber/v2"

// ErrorResponse is the error envelope used across the API: every failure
// carries a textual error under "info".
type ErrorResponse struct {
	Info ErrorInfo `json:"info"`
}

type ErrorInfo struct {
	Error string `json:"error"`
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorResponse{Info: ErrorInfo{Error: message}})
}

func BadRequest(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadRequest, message)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, message)
}

func NotAcceptable(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotAcceptable, message)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, message)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
