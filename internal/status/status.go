// Package status exposes the read-only control surface: engine state
// and the audit journals, behind the authenticated API.
package status

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/machine"
	"github.com/soradev/kabu-assist/internal/orders"
	"github.com/soradev/kabu-assist/internal/types"
	"github.com/soradev/kabu-assist/pkg/response"
)

// Service aggregates the engine views the API reads from.
type Service struct {
	machine *machine.Machine
	orders  *orders.Manager
	fills   *holdings.Database
	journal *orders.Journal
	runID   string
	started time.Time
}

func NewService(m *machine.Machine, om *orders.Manager, fills *holdings.Database,
	journal *orders.Journal, runID string) *Service {
	return &Service{
		machine: m,
		orders:  om,
		fills:   fills,
		journal: journal,
		runID:   runID,
		started: time.Now(),
	}
}

// EngineStatus is the live state snapshot.
type EngineStatus struct {
	RunID         string `json:"run_id"`
	Sequence      string `json:"sequence"`
	OrderInFlight bool   `json:"order_in_flight"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Service) EngineStatus() EngineStatus {
	return EngineStatus{
		RunID:         s.runID,
		Sequence:      s.machine.Sequence().String(),
		OrderInFlight: s.orders.Busy(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
}

// GinHandlers holds the HTTP handlers for the status endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// EngineHandler reports the engine's live state.
func (h *GinHandlers) EngineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.EngineStatus())
	}
}

// OrdersHandler lists the most recently accepted orders.
func (h *GinHandlers) OrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "Invalid limit")
				return
			}
			limit = n
		}
		recs, err := h.service.journal.Recent(limit)
		response.Handle(c, recs, err)
	}
}

// FillsHandler lists the journaled fills for one symbol.
func (h *GinHandlers) FillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := strconv.Atoi(c.Param("code"))
		if err != nil || !types.StockCode(n).Valid() {
			response.BadRequest(c, "Invalid stock code")
			return
		}
		recs, err := h.service.fills.FillsForCode(types.StockCode(n))
		response.Handle(c, recs, err)
	}
}
