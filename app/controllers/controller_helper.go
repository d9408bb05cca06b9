package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/provisioning"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

var validate = validator.New()

// requestError rejects a request body before any work is done.
type requestError struct {
	status int
	code   string
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

// parseBody decodes an optional JSON body into out and validates it.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return &requestError{status: fiber.StatusBadRequest, code: "invalid_body", err: err}
		}
	}
	if err := validate.Struct(out); err != nil {
		return &requestError{status: fiber.StatusUnprocessableEntity, code: "validation_failed", err: err}
	}
	return nil
}

// respondError maps the error taxonomy to an HTTP status and error code.
func respondError(c *fiber.Ctx, err error) error {
	var reqErr *requestError
	var dup *syncerr.DuplicateError
	var schema *syncerr.SchemaViolationError
	status, code := fiber.StatusInternalServerError, "internal_server_error"
	switch {
	case errors.As(err, &reqErr):
		status, code = reqErr.status, reqErr.code
	case syncerr.IsNotFound(err):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, provisioning.ErrDomainNotAllowed), errors.Is(err, accounts.ErrEmailNotAllowed):
		status, code = fiber.StatusUnprocessableEntity, "not_allowed"
	case errors.As(err, &dup):
		status, code = fiber.StatusConflict, "conflict"
	case errors.As(err, &schema), errors.Is(err, syncerr.ErrMalformed):
		status, code = fiber.StatusUnprocessableEntity, "invalid_request"
	case syncerr.IsTransient(err):
		status, code = fiber.StatusBadGateway, "upstream_unavailable"
	default:
		log.Errorf("[Admin] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": syncerr.Reason(err)})
}
