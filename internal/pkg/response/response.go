package response

import (
	"errors"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
)

// StatusClientClosedRequest is the nginx convention for a caller that gave
// up before the response was ready.
const StatusClientClosedRequest = 499

// OK sends a 200 response. Arrays/slices are wrapped in {data: [...]}.
func OK(c *gin.Context, data interface{}) {
	if data != nil {
		v := reflect.ValueOf(data)
		if v.Kind() == reflect.Slice {
			c.JSON(http.StatusOK, gin.H{"data": data})
			return
		}
	}
	c.JSON(http.StatusOK, data)
}

// Accepted sends a 202 response for work that continues in the background.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, data)
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail aborts with the error envelope.
func Fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": 0, "code": status, "message": message})
}

// BadRequest sends a 400 error response.
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, message)
}

// Unauthorized sends a 401 error response.
func Unauthorized(c *gin.Context) {
	Fail(c, http.StatusUnauthorized, "unauthorized")
}

// NotFoundMsg sends a 404 error with a custom message.
func NotFoundMsg(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, message)
}

// Conflict sends a 409 error response.
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, message)
}

// UnprocessableEntity sends a 422 error response.
func UnprocessableEntity(c *gin.Context, message string) {
	Fail(c, http.StatusUnprocessableEntity, message)
}

// InternalError sends a 500 error response.
func InternalError(c *gin.Context, err error) {
	Fail(c, http.StatusInternalServerError, err.Error())
}

// Error maps a backend failure to its HTTP status and sends it.
func Error(c *gin.Context, err error) {
	Fail(c, StatusFor(err), aierr.UserMessage(err))
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if aierr.IsCancellation(err) {
		return StatusClientClosedRequest
	}
	var e *aierr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case aierr.KindAuthentication:
		return http.StatusUnauthorized
	case aierr.KindRateLimit:
		return http.StatusTooManyRequests
	case aierr.KindValidation, aierr.KindContentSafety, aierr.KindBadRequest:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
