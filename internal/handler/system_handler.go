package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/response"
)

const healthProbeTimeout = 2 * time.Second

// SystemHandler reports process and Redis health.
type SystemHandler struct {
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthStatus struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Redis       string `json:"redis"`
	QueueCheats int64  `json:"queue_cheats"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// Health godoc
// GET /healthz
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := healthStatus{
		Status:     "ok",
		Uptime:     formatDuration(time.Since(h.startTime)),
		Redis:      "ok",
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		NumGC:      ms.NumGC,
		GoVersion:  runtime.Version(),
	}

	pipe := h.rdb.Pipeline()
	ping := pipe.Ping(ctx)
	cheats := pipe.LLen(ctx, config.WorkerKey.PersistCheatsQueue)
	if _, err := pipe.Exec(ctx); err != nil || ping.Err() != nil {
		h.log.Warn().Err(err).Msg("Redis health probe failed")
		st.Status = "degraded"
		st.Redis = "unreachable"
		response.Success(c, http.StatusServiceUnavailable, st)
		return
	}
	st.QueueCheats, _ = cheats.Result()
	response.Success(c, http.StatusOK, st)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
