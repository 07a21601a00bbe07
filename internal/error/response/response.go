package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pet-feeder-service/internal/error/code"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success writes a 200 with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code.ErrSuccess,
		Message: code.GetMessage(code.ErrSuccess),
		Data:    data,
	})
}

// SuccessWithMessage writes a 200 with a custom message.
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code.ErrSuccess,
		Message: message,
		Data:    data,
	})
}

// Fail writes the status and default message of errorCode.
func Fail(c *gin.Context, errorCode int, data interface{}) {
	c.JSON(code.GetStatus(errorCode), Response{
		Code:    errorCode,
		Message: code.GetMessage(errorCode),
		Data:    data,
	})
}

// FailWithMessage writes the status of errorCode with a custom message.
func FailWithMessage(c *gin.Context, errorCode int, message string, data interface{}) {
	c.JSON(code.GetStatus(errorCode), Response{
		Code:    errorCode,
		Message: message,
		Data:    data,
	})
}

// ParamError reports a validation failure.
func ParamError(c *gin.Context, message string) {
	if message == "" {
		message = code.GetMessage(code.ErrValidation)
	}
	FailWithMessage(c, code.ErrValidation, message, nil)
}

// ServerError reports an unexpected failure.
func ServerError(c *gin.Context) {
	Fail(c, code.ErrUnknown, nil)
}

// TooManyRequests aborts a rate-limited request.
func TooManyRequests(c *gin.Context) {
	c.AbortWithStatusJSON(code.StatusTooManyRequests, Response{
		Code:    code.ErrTooManyRequests,
		Message: code.GetMessage(code.ErrTooManyRequests),
	})
}
