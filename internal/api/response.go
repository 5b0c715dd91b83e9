// Package api provides HTTP handlers and routing for the Courier REST API.
package api

import (
	"github.com/gofiber/fiber/v2"
)

// Response is the JSON body of every reply.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes why a request failed.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Values of ErrorBody.Code.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
)

// reply writes a successful response.
func reply(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(Response{Success: true, Data: data})
}

// fail writes an error response whose code follows from the status.
func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(Response{
		Error: &ErrorBody{Code: errorCode(status), Message: message},
	})
}

// invalid rejects a well-formed request whose content did not validate.
func invalid(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(Response{
		Error: &ErrorBody{Code: ErrCodeValidationFailed, Message: message},
	})
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		return ErrCodeBadRequest
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return ErrCodeNotFound
	default:
		return ErrCodeInternalError
	}
}
