// Package controlplane exposes the capture orchestrator (C12) over a
// small gin-based REST API (§4.9 supplemental).
package controlplane

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"ovanalyzer/internal/device"
	"ovanalyzer/internal/ovtypes"
)

// Stats is the JSON-serializable capture statistics snapshot returned
// by GET /capture/stats.
type Stats struct {
	Capturing  bool  `json:"capturing"`
	ElapsedMS  int64 `json:"elapsed_ms"`
	LFSRTotal  uint64 `json:"lfsr_total"`
	LFSRError  bool  `json:"lfsr_error"`
}

// Server wraps a device.Device with an HTTP control surface.
type Server struct {
	dev    *device.Device
	lfsr   func() (uint64, bool)
	router *gin.Engine

	mu         sync.Mutex
	capturing  bool
	cancelFunc context.CancelFunc
	startedAt  time.Time
	elapsed    time.Duration
}

// New builds a control-plane server for dev. lfsrStats reports the
// current (total, error) pair from the LFSR self-check handler for
// GET /capture/stats.
func New(dev *device.Device, lfsrStats func() (uint64, bool)) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{dev: dev, lfsr: lfsrStats}

	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/capture")
	{
		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.GET("/stats", s.handleStats)
	}
	router.GET("/healthz", s.handleHealthz)

	s.router = router
	return s
}

// Handler returns the underlying HTTP handler, for use with
// http.Server or httptest.
func (s *Server) Handler() http.Handler { return s.router }

type startRequest struct {
	Speed uint8 `json:"speed"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	if s.capturing {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "capture already running"})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.capturing = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	go func() {
		err := s.dev.RunCapture(ctx, device.Speed(req.Speed), func(_ *device.Device, elapsed time.Duration) {
			s.mu.Lock()
			s.elapsed = elapsed
			s.mu.Unlock()
		}, 100*time.Millisecond, func(time.Duration) bool {
			return ctx.Err() != nil
		})
		if err != nil {
			// surfaced to operators via logs; the HTTP API is fire-and-forget
			log.Printf("controlplane: capture ended: %v", err)
		}

		s.mu.Lock()
		s.capturing = false
		s.mu.Unlock()
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "capture started"})
}

func (s *Server) handleStop(c *gin.Context) {
	s.mu.Lock()
	cancel := s.cancelFunc
	wasCapturing := s.capturing
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.dev.EnsureCaptureStopped()

	if !wasCapturing {
		c.JSON(http.StatusOK, gin.H{"status": "capture was not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "capture stopped"})
}

func (s *Server) handleStats(c *gin.Context) {
	s.mu.Lock()
	stats := Stats{Capturing: s.capturing, ElapsedMS: s.elapsed.Milliseconds()}
	s.mu.Unlock()

	if s.lfsr != nil {
		total, errored := s.lfsr()
		stats.LFSRTotal = total
		stats.LFSRError = errored
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHealthz(c *gin.Context) {
	configured, err := s.dev.FPGAConfigured(true)
	if err != nil {
		if _, ok := err.(*ovtypes.PreconditionError); ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "device not open"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "fpga_configured": configured})
}
