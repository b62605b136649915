package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixelhealth/biasalert-backend/internal/serviceerr"
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

// RespondServiceError translates the service error taxonomy onto HTTP
// statuses. Persistence and delivery failures surface as a generic 500 so
// storage details never leak to the dashboard.
func RespondServiceError(c *gin.Context, err error) {
	switch {
	case serviceerr.IsValidation(err):
		RespondError(c, http.StatusBadRequest, serviceerr.CodeOf(err), err)
	case serviceerr.IsNotFound(err):
		RespondError(c, http.StatusNotFound, serviceerr.CodeOf(err), err)
	case serviceerr.IsConflict(err):
		RespondError(c, http.StatusConflict, serviceerr.CodeOf(err), err)
	default:
		RespondError(c, http.StatusInternalServerError, serviceerr.CodeOf(err), err)
	}
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
