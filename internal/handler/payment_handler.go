package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/event-reg-api/internal/service"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
	"github.com/noah-isme/event-reg-api/pkg/response"
)

// PaymentHandler exposes the payment review endpoints.
type PaymentHandler struct {
	payments *service.PaymentService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// SubmitProof godoc
// @Summary Upload a payment proof
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Registration ID"
// @Param payload body service.SubmitProofRequest true "Proof payload"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/payment/proof [post]
func (h *PaymentHandler) SubmitProof(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.SubmitProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.payments.SubmitProof(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Decide godoc
// @Summary Approve or reject a pending payment
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Registration ID"
// @Param payload body service.DecidePaymentRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/payment/decision [post]
func (h *PaymentHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.DecidePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.payments.Decide(c.Request.Context(), c.Param("id"), claims.UserID, claims.Role, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// ProofURL godoc
// @Summary Signed download token for a stored proof
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/payment/proof-url [get]
func (h *PaymentHandler) ProofURL(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	resp, err := h.payments.ProofURL(c.Request.Context(), c.Param("id"), claims.UserID, claims.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}

// DownloadProof godoc
// @Summary Download a proof via signed token
// @Tags Payments
// @Produce octet-stream
// @Param token query string true "Signed token"
// @Success 200
// @Router /payments/proofs [get]
func (h *PaymentHandler) DownloadProof(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	file, err := h.payments.OpenProof(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
