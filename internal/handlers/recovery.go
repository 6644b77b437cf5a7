// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/uhcare/recoveryd/internal/i18n"
	"github.com/uhcare/recoveryd/internal/services/identity"
	"github.com/uhcare/recoveryd/internal/services/recovery"
)

// RecoveryHandlers exposes the recovery flow over HTTP. Responses are limited
// to two shapes, accepted and rejected, no matter what happened internally.
type RecoveryHandlers struct {
	flow *recovery.Service
}

// NewRecovery creates a new RecoveryHandlers instance.
func NewRecovery(flow *recovery.Service) *RecoveryHandlers {
	return &RecoveryHandlers{flow: flow}
}

// RequestBody is the request body for starting a recovery.
type RequestBody struct {
	Email string `json:"email" form:"email"`
}

// ConfirmBody is the request body for completing a recovery.
type ConfirmBody struct {
	Password string `json:"password" form:"password"`
}

// Request starts a recovery. It answers 200 with the same message for
// resolvable and unresolvable identifiers; even a malformed body gets the
// generic acceptance rather than a distinguishable error.
func (h *RecoveryHandlers) Request(c echo.Context) error {
	var req RequestBody
	_ = c.Bind(&req)

	ctx := c.Request().Context()
	h.flow.Request(ctx, recovery.RequestInput{
		Email:      req.Email,
		SourceAddr: c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
		Path:       c.Request().URL.Path,
	})

	return c.JSON(http.StatusOK, map[string]string{
		"status":  "accepted",
		"message": i18n.T(ctx, "recovery_request_accepted"),
	})
}

// ConfirmPage reports whether a link is still usable, for the confirmation
// intake rendered by the external UI. It does not consume the token.
func (h *RecoveryHandlers) ConfirmPage(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.flow.Check(ctx, c.Param("token")); err != nil {
		if recovery.IsTokenError(err) {
			return h.rejected(c)
		}
		return h.serviceError(c)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Confirm completes a recovery with a new password.
func (h *RecoveryHandlers) Confirm(c echo.Context) error {
	var req ConfirmBody
	if err := c.Bind(&req); err != nil {
		return h.rejected(c)
	}

	ctx := c.Request().Context()
	_, err := h.flow.Confirm(ctx, recovery.ConfirmInput{
		Opaque:      c.Param("token"),
		NewPassword: req.Password,
	})
	if err != nil {
		var pwErr *identity.PasswordValidationError
		switch {
		case errors.As(err, &pwErr):
			// Token is still live; the caller may retry
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"status": "invalid_password",
				"errors": pwErr.Messages(),
			})
		case recovery.IsTokenError(err):
			return h.rejected(c)
		default:
			return h.serviceError(c)
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"message": i18n.T(ctx, "recovery_completed"),
	})
}

func (h *RecoveryHandlers) rejected(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"status":  "rejected",
		"message": i18n.T(c.Request().Context(), "recovery_link_invalid"),
	})
}

func (h *RecoveryHandlers) serviceError(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{
		"status":  "error",
		"message": i18n.T(c.Request().Context(), "recovery_service_error"),
	})
}
