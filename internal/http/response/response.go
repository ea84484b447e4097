package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/inferbridge-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// AbortError writes the envelope and stops the handler chain. Middleware uses
// it so later handlers never run.
func AbortError(c *gin.Context, status int, code string, err error) {
	RespondError(c, status, code, err)
	c.Abort()
}

// RespondAPIError writes err using the status and code of the first
// *apierr.Error in its chain. Anything else is a 500 whose message is not
// leaked to the client.
func RespondAPIError(c *gin.Context, err error) {
	if ae, ok := apierr.As(err); ok {
		status := ae.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
			RespondError(c, status, ae.Code, errors.New(http.StatusText(status)))
			return
		}
		RespondError(c, status, ae.Code, ae)
		return
	}
	_ = c.Error(err)
	RespondError(c, http.StatusInternalServerError, "internal_error", errors.New("internal server error"))
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondAccepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}
