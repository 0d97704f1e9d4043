package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/service"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
	"github.com/noah-isme/event-reg-api/pkg/response"
)

// AttendanceHandler exposes check-in endpoints.
type AttendanceHandler struct {
	attendance *service.AttendanceService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(attendance *service.AttendanceService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance}
}

// Scan godoc
// @Summary Scan a ticket credential
// @Tags Attendance
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Param payload body service.ScanRequest true "Scan payload"
// @Success 200 {object} response.Envelope
// @Router /events/{id}/attendance/scan [post]
func (h *AttendanceHandler) Scan(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.EventID = c.Param("id")

	record, err := h.attendance.Scan(c.Request.Context(), claims.UserID, claims.Role, req)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Code == appErrors.ErrDuplicateScan.Code && record != nil {
			c.JSON(appErr.Status, response.Envelope{Data: record, Error: appErr})
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Override godoc
// @Summary Manually set or clear attendance
// @Tags Attendance
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Registration ID"
// @Param payload body service.OverrideRequest true "Override payload"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/attendance [put]
func (h *AttendanceHandler) Override(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	record, err := h.attendance.Override(c.Request.Context(), c.Param("id"), claims.UserID, claims.Role, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Roster godoc
// @Summary Attendance roster for an event
// @Tags Attendance
// @Produce json
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Param status query string false "Filter by status"
// @Param attended query bool false "Filter by attendance"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /events/{id}/attendance [get]
func (h *AttendanceHandler) Roster(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var filter models.RegistrationFilter
	filter.Status = models.RegistrationStatus(strings.ToUpper(c.Query("status")))
	if raw := c.Query("attended"); raw != "" {
		attended := raw == "true"
		filter.Attended = &attended
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	regs, pagination, err := h.attendance.Roster(c.Request.Context(), c.Param("id"), claims.UserID, claims.Role, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, regs, pagination)
}

// Export godoc
// @Summary Export the attendance roster
// @Tags Attendance
// @Produce json
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Param format query string false "csv or pdf"
// @Success 200
// @Router /events/{id}/attendance/export [get]
func (h *AttendanceHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	format := c.DefaultQuery("format", "csv")
	data, contentType, err := h.attendance.ExportRoster(c.Request.Context(), c.Param("id"), claims.UserID, claims.Role, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	ext := "csv"
	if format == "pdf" {
		ext = "pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=attendance.%s", ext))
	c.Data(http.StatusOK, contentType, data)
}
