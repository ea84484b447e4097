package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/http/response"
	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/apierr"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

// toAPIError maps service and repository errors onto HTTP status and code.
func toAPIError(err error) error {
	if _, ok := apierr.As(err); ok {
		return err
	}
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, repos.ErrDatasetNotFound):
		return apierr.NotFound("dataset_not_found", err)
	case errors.Is(err, repos.ErrJobNotFound):
		return apierr.NotFound("job_not_found", err)
	case errors.Is(err, repos.ErrAccountNotFound):
		return apierr.NotFound("account_not_found", err)
	case errors.Is(err, services.ErrInsufficientFunds):
		return apierr.New(http.StatusPaymentRequired, "insufficient_tokens", err)
	case errors.Is(err, services.ErrJobNotCompleted):
		return apierr.BadRequest("job_not_completed", err)
	case errors.As(err, &verrs), errors.Is(err, pkgerrors.ErrInvalidArgument):
		return apierr.BadRequest("validation_error", err)
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		return apierr.New(http.StatusUnauthorized, "unauthorized", err)
	case errors.Is(err, pkgerrors.ErrForbidden):
		return apierr.New(http.StatusForbidden, "forbidden", err)
	}
	return err
}

func respondErr(c *gin.Context, err error) {
	response.RespondAPIError(c, toAPIError(err))
}

// bindError reports a request body or query that failed gin binding.
func bindError(c *gin.Context, err error) {
	response.RespondError(c, http.StatusBadRequest, "validation_error", err)
}
