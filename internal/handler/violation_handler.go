package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/violation"
	"github.com/stemsi/exstem-live/internal/worker"
)

// ViolationHandler exposes the proctoring events filed for a candidate.
type ViolationHandler struct {
	rdb   *redis.Client
	exams *service.ExamService
	log   zerolog.Logger
}

func NewViolationHandler(rdb *redis.Client, exams *service.ExamService, log zerolog.Logger) *ViolationHandler {
	return &ViolationHandler{
		rdb:   rdb,
		exams: exams,
		log:   log.With().Str("component", "violation_handler").Logger(),
	}
}

type violationLog struct {
	TestID int                    `json:"test_id"`
	Count  int                    `json:"count"`
	Events []violation.CheatEvent `json:"events"`
}

// List godoc
// GET /api/v1/tests/:test_id/violations
func (h *ViolationHandler) List(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := strconv.Atoi(c.Param("test_id"))
	if err != nil || testID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if _, err := h.exams.GetByID(testID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrTestNotFound)
		return
	}

	events, err := worker.CheatLog(c.Request.Context(), h.rdb, config.ViolationSubject(claims.UserID, testID))
	if err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Failed to read cheat log")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, violationLog{TestID: testID, Count: len(events), Events: events})
}
