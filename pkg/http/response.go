package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DataResponse is the success envelope.
type DataResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   interface{} `json:"error"`
}

// SuccessResponse writes a 200 with the data envelope.
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, DataResponse{Success: true, Data: data})
}

// BadRequestResponse writes a 400 with validation details.
func BadRequestResponse(c echo.Context, details interface{}) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Success: false, Error: details})
}

// AppErrorResponse maps an error to its HTTP status.
func AppErrorResponse(c echo.Context, err error) error {
	var ae *AppError
	if errors.As(err, &ae) {
		return c.JSON(ae.Status, ErrorResponse{Success: false, Error: ae})
	}
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Success: false,
		Error:   InternalError(err.Error()),
	})
}
