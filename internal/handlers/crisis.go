package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pixelhealth/biasalert-backend/internal/requestdata"
	"github.com/pixelhealth/biasalert-backend/internal/services"
)

var errInvalidLimit = errors.New("limit must be a non-negative integer")

type CrisisHandler struct {
	crisisService services.CrisisService
}

func NewCrisisHandler(crisisService services.CrisisService) *CrisisHandler {
	return &CrisisHandler{crisisService: crisisService}
}

func (ch *CrisisHandler) FlagSession(c *gin.Context) {
	var req services.FlagSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	flag, err := ch.crisisService.FlagSessionForReview(c.Request.Context(), req)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"flag": flag})
}

func (ch *CrisisHandler) UpdateFlagStatus(c *gin.Context) {
	var req services.UpdateFlagStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	req.FlagID = c.Param("id")
	if rd := requestdata.GetRequestData(c.Request.Context()); rd != nil && req.ActorID == "" {
		req.ActorID = rd.UserID
	}
	flag, err := ch.crisisService.UpdateFlagStatus(c.Request.Context(), req)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"flag": flag})
}

func (ch *CrisisHandler) GetPendingFlags(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			RespondError(c, http.StatusBadRequest, "bad_request", errInvalidLimit)
			return
		}
		limit = parsed
	}
	flags, err := ch.crisisService.GetPendingCrisisFlags(c.Request.Context(), limit)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"flags": flags, "count": len(flags)})
}

func (ch *CrisisHandler) GetUserFlags(c *gin.Context) {
	includeResolved := c.Query("include_resolved") == "true"
	flags, err := ch.crisisService.GetUserCrisisFlags(c.Request.Context(), c.Param("userId"), includeResolved)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"flags": flags, "count": len(flags)})
}

func (ch *CrisisHandler) GetUserStatus(c *gin.Context) {
	status, err := ch.crisisService.GetUserSessionStatus(c.Request.Context(), c.Param("userId"))
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	if status == nil {
		// Never flagged: an empty aggregate, not a lookup failure.
		RespondOK(c, gin.H{"status": nil, "flagged": false})
		return
	}
	RespondOK(c, gin.H{"status": status, "flagged": status.IsFlaggedForReview})
}
