package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

type componentCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func worse(a, b string) string {
	rank := map[string]int{statusHealthy: 0, statusWarning: 1, statusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// health reports liveness plus named component checks. Critical answers 503
// so load balancers rotate the instance out.
func (s *Server) health(c *gin.Context) {
	view := s.col.Snapshot()
	checks := make(map[string]componentCheck, 4)
	overall := statusHealthy

	queueCheck := componentCheck{Status: statusHealthy}
	if capacity := s.cfg.Queue.MaxQueueSize; capacity > 0 {
		depth := view.Core.Queue.Depth
		queueCheck.Detail = fmt.Sprintf("depth %d/%d", depth, capacity)
		switch ratio := float64(depth) / float64(capacity); {
		case ratio >= 0.9:
			queueCheck.Status = statusCritical
		case ratio >= 0.5:
			queueCheck.Status = statusWarning
		}
	}
	checks["queue"] = queueCheck

	memCheck := componentCheck{
		Status: statusHealthy,
		Detail: fmt.Sprintf("%.1f%% used", view.System.MemoryUsedPercent),
	}
	switch {
	case view.System.MemoryUsedPercent >= 95:
		memCheck.Status = statusCritical
	case view.System.MemoryUsedPercent >= 85:
		memCheck.Status = statusWarning
	}
	checks["memory"] = memCheck

	busCheck := componentCheck{Status: statusHealthy}
	if !view.System.BusConnected {
		busCheck.Status = statusCritical
		busCheck.Detail = "message bus disconnected"
	}
	checks["bus"] = busCheck

	riskCheck := componentCheck{Status: statusHealthy}
	if view.Risk.State.Paused {
		riskCheck.Status = statusWarning
		riskCheck.Detail = "paused: " + view.Risk.State.PauseReason
	}
	checks["risk"] = riskCheck

	for _, chk := range checks {
		overall = worse(overall, chk.Status)
	}
	code := http.StatusOK
	if overall == statusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        overall,
		"instanceId":    s.instanceID,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"wsClients":     s.hub.Clients(),
		"checks":        checks,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.col.Snapshot())
}

func (s *Server) getOrderMetrics(c *gin.Context) {
	view := s.col.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"orders":          view.Orders,
		"fills":           view.Fills,
		"dispatchLatency": view.Dispatch,
	})
}

func (s *Server) getRiskMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.col.Snapshot().Risk)
}

// getRiskJournal serves the persisted daily tallies: one day when ?date= is
// given, otherwise the most recent days.
func (s *Server) getRiskJournal(c *gin.Context) {
	if date := c.Query("date"); date != "" {
		day, err := s.risk.JournalDay(date)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "JOURNAL_READ", err.Error())
			return
		}
		c.JSON(http.StatusOK, day)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	days, err := s.risk.RecentDays(limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "JOURNAL_READ", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "count": len(days)})
}

func (s *Server) getQueueMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Queue().Stats())
}

func (s *Server) getBusMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.Stats())
}

func (s *Server) getSLTPMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.col.Snapshot().SLTP)
}

func (s *Server) getHistory(c *gin.Context) {
	samples := s.col.History()
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

func (s *Server) getSources(c *gin.Context) {
	list := s.core.MetricsSnapshot().Sources
	c.JSON(http.StatusOK, gin.H{"sources": list, "count": len(list)})
}

type ordersQuery struct {
	State      string `form:"state"`
	Source     string `form:"source"`
	Instrument string `form:"instrument"`
	Limit      int    `form:"limit"`
}

func (s *Server) getOrders(c *gin.Context) {
	var q ordersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	state := strings.ToUpper(q.State)

	all := s.core.Orders()
	out := all[:0]
	for _, o := range all {
		if state != "" && string(o.State) != state {
			continue
		}
		if q.Source != "" && o.Source != q.Source {
			continue
		}
		if q.Instrument != "" && o.Instrument != q.Instrument {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

func (s *Server) getPositions(c *gin.Context) {
	list := s.core.Positions()
	sort.Slice(list, func(i, j int) bool { return list[i].Instrument < list[j].Instrument })
	c.JSON(http.StatusOK, gin.H{"positions": list, "count": len(list)})
}

// resetMetrics zeroes the resettable tallies in both the collector and the
// core. Prometheus counters are left alone.
func (s *Server) resetMetrics(c *gin.Context) {
	s.col.Reset()
	s.core.ResetCounters()
	s.logger.Info().Str("requestId", c.GetString("RequestID")).Msg("metrics reset by operator")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "resetAt": time.Now().UTC().Format(time.RFC3339)})
}

type pauseRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"durationSeconds"`
}

func (s *Server) pauseRisk(c *gin.Context) {
	var req pauseRequest
	// An empty body means pause indefinitely with the default reason.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual pause"
	}
	var until time.Time
	if req.DurationSeconds > 0 {
		until = time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	}
	s.risk.Pause(req.Reason, until)
	s.logger.Warn().Str("reason", req.Reason).Int("durationSeconds", req.DurationSeconds).Msg("risk paused by operator")
	c.JSON(http.StatusOK, gin.H{"paused": true, "reason": req.Reason})
}

func (s *Server) resumeRisk(c *gin.Context) {
	s.risk.Resume()
	s.logger.Info().Msg("risk resumed by operator")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type shadowRequest struct {
	// Pointer so an explicit false passes required validation.
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setShadowMode(c *gin.Context) {
	var req shadowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "enabled (bool) is required")
		return
	}
	s.risk.SetShadowMode(*req.Enabled)
	s.logger.Info().Bool("enabled", *req.Enabled).Msg("shadow mode toggled by operator")
	c.JSON(http.StatusOK, gin.H{"shadowMode": *req.Enabled})
}
