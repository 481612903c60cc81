// Package response renders the JSON envelope of the saga query API.
// Every body carries success plus either data or a coded error, so
// clients can branch on one field.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes returned by the query API
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeNotFound    = "NOT_FOUND"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

// Envelope is the outer shape of every API response
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorData  `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// ErrorData describes a failed request
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Success writes a 200 with the given payload
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{
		Success: true,
		Data:    data,
	})
}

// SuccessWithMeta writes a 200 with the payload and listing metadata
func SuccessWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// Error writes a failed envelope with the given status and code
func Error(c *gin.Context, status int, code, message, details string) {
	c.JSON(status, Envelope{
		Success: false,
		Error: &ErrorData{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// BadRequest writes a 400 for malformed request parameters
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeBadRequest, message, "")
}

// NotFound writes a 404 for sagas or log entries that do not exist
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message, "")
}

// ServiceUnavailable writes a 503 when a backing dependency is down
func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, http.StatusServiceUnavailable, CodeUnavailable, message, "")
}

// InternalError writes a 500 with the underlying cause in details
func InternalError(c *gin.Context, err error) {
	Error(c, http.StatusInternalServerError, CodeInternal, "Internal Server Error", err.Error())
}
