package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sreeram77/gpu-stats/internal/nvsmi"
	"github.com/sreeram77/gpu-stats/internal/sink"
)

// Health represents the sampler state reported by /health
type Health struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Running     bool    `json:"running"`
	GPUCount    int     `json:"gpu_count"`
	Step        int64   `json:"step"`
	Ticks       int64   `json:"ticks"`
	FailedTicks int64   `json:"failed_ticks"`
	IntervalSec float64 `json:"interval_seconds"`
	Error       string  `json:"error,omitempty"`
}

// Series represents the stored points of one tag
type Series struct {
	Tag    string        `json:"tag"`
	Points []sink.Scalar `json:"points"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// healthCheck handles GET /health. A sampler that stopped on a failed tick
// answers 503.
func (s *Server) healthCheck(c *gin.Context) {
	h := Health{
		Status:      "ok",
		Version:     s.version,
		Running:     s.sampler.Running(),
		GPUCount:    len(s.sampler.GPUs()),
		Step:        s.sampler.Step(),
		Ticks:       s.sampler.Ticks(),
		FailedTicks: s.sampler.FailedTicks(),
		IntervalSec: s.sampler.Interval().Seconds(),
	}

	code := http.StatusOK
	if err := s.sampler.Err(); err != nil {
		h.Status = "failed"
		h.Error = err.Error()
		code = http.StatusServiceUnavailable
	} else if !h.Running {
		h.Status = "stopped"
	}

	c.JSON(code, h)
}

// listGPUs handles GET /api/v1/gpus
func (s *Server) listGPUs(c *gin.Context) {
	gpus := s.sampler.GPUs()
	if gpus == nil {
		gpus = []nvsmi.Descriptor{}
	}
	c.JSON(http.StatusOK, gpus)
}

// getScalars handles GET /api/v1/scalars. Without a tag it returns the latest
// point of every series, with one it returns that series from from_step on.
func (s *Server) getScalars(c *gin.Context) {
	if s.history == nil {
		sendError(c, http.StatusNotFound, "Scalar history is disabled", "enable the memory sink")
		return
	}

	tag := c.Query("tag")
	if tag == "" {
		latest := make([]sink.Scalar, 0)
		for _, t := range s.history.Tags() {
			if p, ok := s.history.Latest(t); ok {
				latest = append(latest, p)
			}
		}
		c.JSON(http.StatusOK, latest)
		return
	}

	var fromStep int64
	if raw := c.Query("from_step"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			sendError(c, http.StatusBadRequest, "Invalid from_step", "from_step must be a non-negative integer")
			return
		}
		fromStep = v
	}

	if _, ok := s.history.Latest(tag); !ok {
		sendError(c, http.StatusNotFound, "Unknown series", tag)
		return
	}

	points := s.history.Series(tag, fromStep)
	if points == nil {
		points = []sink.Scalar{}
	}
	c.JSON(http.StatusOK, Series{Tag: tag, Points: points})
}

// sendError sends an error response
func sendError(c *gin.Context, code int, message string, details ...string) {
	err := ErrorResponse{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	c.JSON(code, err)
}
