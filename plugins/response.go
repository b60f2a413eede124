package plugins

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// SendFailure sends err with the status StatusFor picks
func SendFailure(c *fiber.Ctx, err error) error {
	return SendError(c, StatusFor(err), err)
}

// StatusFor maps an error to an HTTP status. A frequency that cannot be
// synthesized is the caller's problem (422); bus and GPIO failures are ours
// (500).
func StatusFor(err error) int {
	switch {
	case IsPlanError(err):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidProfileName):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrProfileNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrSweepRunning):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
