package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/types"
)

// SimConfig tunes the simulated brokerage.
type SimConfig struct {
	User     string
	Password string

	MinLatency time.Duration
	MaxLatency time.Duration

	// FailRate is the probability that a submission is rejected at the
	// confirm step.
	FailRate float64

	Seed  int64
	Clock func() time.Time
}

// simPrice is the walk state for one watched symbol.
type simPrice struct {
	last      float64
	open      float64
	high      float64
	low       float64
	prevClose float64
	volume    int64
}

// simOrder is one order resting on the simulated book.
type simOrder struct {
	resp         types.OrderResponse
	bargainDate  types.Day
	bargainPrice float64
	remaining    int
	pollsLeft    int
	fills        []types.ExecFill
	complete     bool
}

// Sim is an in-process brokerage session. Orders rest on a book and
// fill in random slices across 1 to 3 fill polls; submissions fail at a
// configurable rate. Callbacks are always delivered asynchronously,
// like the real scraping session's I/O completions.
type Sim struct {
	cfg SimConfig
	rng *rand.Rand

	mu         sync.Mutex
	loggedIn   bool
	lastAccess time.Time

	names  types.Watchlist
	codes  []types.StockCode
	prices map[types.StockCode]*simPrice

	spot      types.SpotHoldings
	positions []types.Position

	orders   map[int]*simOrder // by brokerage order id
	orderSeq int
	userSeq  int
	regSeq   int64

	logger zerolog.Logger
}

// NewSim builds a simulated session. basePrices seeds the previous
// close for every tradable symbol.
func NewSim(cfg SimConfig, basePrices map[types.StockCode]float64) *Sim {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Sim{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		prices:   map[types.StockCode]*simPrice{},
		spot:     types.SpotHoldings{},
		orders:   map[int]*simOrder{},
		orderSeq: 1000,
		logger:   log.With().Str("component", "sim-brokerage").Logger(),
	}
	for code, base := range basePrices {
		s.prices[code] = &simPrice{last: base, prevClose: base}
	}
	return s
}

// SeedHoldings preloads the simulated account, for scenarios that start
// with existing positions.
func (s *Sim) SeedHoldings(spot types.SpotHoldings, positions []types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, qty := range spot {
		s.spot[code] = qty
	}
	s.positions = append(s.positions, positions...)
}

func (s *Sim) async(fn func()) {
	go func() {
		if s.cfg.MaxLatency > 0 {
			span := s.cfg.MaxLatency - s.cfg.MinLatency
			d := s.cfg.MinLatency
			if span > 0 {
				d += time.Duration(s.rng.Int63n(int64(span)))
			}
			time.Sleep(d)
		}
		fn()
	}()
}

func (s *Sim) touch() time.Time {
	now := s.cfg.Clock()
	s.lastAccess = now
	return now
}

func (s *Sim) Login(_ context.Context, user, password string, cb LoginCallback) {
	s.async(func() {
		s.mu.Lock()
		now := s.touch()
		ok := user == s.cfg.User && password == s.cfg.Password
		s.loggedIn = ok
		s.mu.Unlock()
		cb(true, ok, false, now)
	})
}

func (s *Sim) RegisterWatchlist(_ context.Context, codes []types.StockCode, venue types.Venue, cb func(ok bool, names types.Watchlist)) {
	s.async(func() {
		s.mu.Lock()
		s.touch()
		names := types.Watchlist{}
		ok := true
		for _, code := range codes {
			if _, known := s.prices[code]; !known {
				ok = false
				break
			}
			names[code] = fmt.Sprintf("SIM-%s", code)
		}
		if ok {
			s.codes = codes
			s.names = names
		}
		s.mu.Unlock()
		cb(ok, names)
	})
}

func (s *Sim) GetHoldings(_ context.Context, cb HoldingsCallback) {
	s.async(func() {
		s.mu.Lock()
		now := s.touch()
		spot := types.SpotHoldings{}
		for code, qty := range s.spot {
			spot[code] = qty
		}
		positions := make([]types.Position, len(s.positions))
		copy(positions, s.positions)
		s.mu.Unlock()
		cb(true, spot, positions, now)
	})
}

// GetQuotes advances every watched symbol one random-walk step and
// reports the batch.
func (s *Sim) GetQuotes(_ context.Context, cb QuotesCallback) {
	s.async(func() {
		s.mu.Lock()
		now := s.touch()
		var out []types.RcvQuote
		for _, code := range s.codes {
			p := s.prices[code]
			p.last *= 1 + (s.rng.Float64()-0.5)*0.004
			if p.open == 0 {
				p.open = p.last
			}
			if p.last > p.high {
				p.high = p.last
			}
			if p.low == 0 || p.last < p.low {
				p.low = p.last
			}
			p.volume += int64(s.rng.Intn(500) + 100)
			out = append(out, types.RcvQuote{
				Code:      code,
				Price:     p.last,
				Open:      p.open,
				High:      p.high,
				Low:       p.low,
				PrevClose: p.prevClose,
				Volume:    p.volume,
			})
		}
		s.mu.Unlock()
		cb(true, now, out)
	})
}

// GetFills advances resting orders toward completion and returns the
// accumulated per-order snapshots, the way the fills page shows them.
func (s *Sim) GetFills(_ context.Context, cb FillsCallback) {
	s.async(func() {
		s.mu.Lock()
		now := s.touch()
		day := types.DayOf(now)
		tod := types.TimeOfDayOf(now)

		for _, od := range s.orders {
			if od.complete || od.remaining <= 0 {
				continue
			}
			qty := od.remaining
			if od.pollsLeft > 1 {
				qty = od.remaining / od.pollsLeft
				if qty <= 0 {
					qty = od.remaining
				}
			}
			od.pollsLeft--
			price := od.resp.Price
			if price < 0 {
				price = s.markPrice(od.resp.Code)
			}
			od.fills = append(od.fills, types.ExecFill{Date: day, Time: tod, Quantity: qty, Price: price})
			od.remaining -= qty
			if od.remaining <= 0 {
				od.complete = true
			}
			s.settleFill(od, qty, price, day)
		}

		var out []types.ExecInfo
		for _, od := range s.orders {
			if len(od.fills) == 0 {
				continue
			}
			fills := make([]types.ExecFill, len(od.fills))
			copy(fills, od.fills)
			out = append(out, types.ExecInfo{
				UserOrderID: od.resp.UserOrderID,
				Type:        od.resp.Type,
				Leverage:    od.resp.Leverage,
				Venue:       od.resp.Venue,
				Complete:    od.complete,
				Code:        od.resp.Code,
				Fills:       fills,
			})
		}
		s.mu.Unlock()
		cb(true, out)
	})
}

func (s *Sim) markPrice(code types.StockCode) float64 {
	if p, ok := s.prices[code]; ok {
		return p.last
	}
	return 0
}

// settleFill mirrors one fill into the simulated account.
func (s *Sim) settleFill(od *simOrder, qty int, price float64, day types.Day) {
	code := od.resp.Code
	switch od.resp.Type {
	case types.OrderBuy:
		if od.resp.Leverage {
			s.addLot(types.Position{Code: code, Date: day, Price: price, Quantity: qty, Short: false})
		} else {
			s.spot[code] += qty
		}
	case types.OrderSell:
		if od.resp.Leverage {
			s.addLot(types.Position{Code: code, Date: day, Price: price, Quantity: qty, Short: true})
		} else {
			if s.spot[code] <= qty {
				delete(s.spot, code)
			} else {
				s.spot[code] -= qty
			}
		}
	case types.OrderRepSell, types.OrderRepBuy:
		short := od.resp.Type == types.OrderRepBuy
		s.removeLot(code, od.bargainDate, od.bargainPrice, short, qty)
	}
}

func (s *Sim) addLot(p types.Position) {
	for i := range s.positions {
		if s.positions[i].SameLot(p) {
			s.positions[i].Quantity += p.Quantity
			return
		}
	}
	s.positions = append(s.positions, p)
}

func (s *Sim) removeLot(code types.StockCode, date types.Day, price float64, short bool, qty int) {
	for i := range s.positions {
		p := &s.positions[i]
		if p.Code != code || p.Short != short || p.Date != date || !types.SamePrice(p.Price, price) {
			continue
		}
		if p.Quantity > qty {
			p.Quantity -= qty
		} else {
			s.positions = append(s.positions[:i], s.positions[i+1:]...)
		}
		return
	}
	s.logger.Error().Stringer("code", code).Msg("repayment fill with no matching simulated lot")
}

func (s *Sim) UpdateMargin(_ context.Context, cb func(ok bool)) {
	s.async(func() {
		s.mu.Lock()
		s.touch()
		s.mu.Unlock()
		cb(true)
	})
}

func (s *Sim) LastAccessTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Investigate answers the business-day question from the simulated
// clock. The simulated market never takes a holiday.
func (s *Sim) Investigate(cb func(ok, isHoliday bool, serverTime time.Time)) {
	s.async(func() {
		cb(true, false, s.cfg.Clock())
	})
}

func (s *Sim) PlaceOrder(ctx context.Context, order types.Order, password string, cb OrderCallback) {
	s.async(func() {
		Submit(ctx, (*simTransport)(s), SubmitRequest{Order: order, Password: password}, cb)
	})
}

func (s *Sim) CorrectOrder(ctx context.Context, orderID int, order types.Order, password string, cb OrderCallback) {
	s.async(func() {
		Submit(ctx, (*simTransport)(s), SubmitRequest{Order: order, Password: password, TargetOrderID: orderID}, cb)
	})
}

func (s *Sim) CancelOrder(ctx context.Context, orderID int, password string, cb OrderCallback) {
	s.async(func() {
		req := SubmitRequest{
			Order:         types.Order{Type: types.OrderCancel},
			Password:      password,
			TargetOrderID: orderID,
		}
		Submit(ctx, (*simTransport)(s), req, cb)
	})
}

func (s *Sim) RepayOrder(ctx context.Context, bargainDate types.Day, bargainPrice float64, order types.Order, password string, cb OrderCallback) {
	s.async(func() {
		req := SubmitRequest{
			Order:        order,
			Password:     password,
			BargainDate:  bargainDate,
			BargainPrice: bargainPrice,
		}
		Submit(ctx, (*simTransport)(s), req, cb)
	})
}

// simTransport runs the three-step protocol against the simulated
// book. Input and confirm just mint registration ids (confirm is where
// the configured failure rate bites); execute mutates the book.
type simTransport Sim

func (t *simTransport) Step(_ context.Context, step SubmitStep, req SubmitRequest) (StepResult, error) {
	s := (*Sim)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.touch()

	switch step {
	case StepInput:
		s.regSeq++
		return StepResult{RegistID: s.regSeq, ServerTime: now}, nil

	case StepConfirm:
		if s.rng.Float64() < s.cfg.FailRate {
			return StepResult{RegistID: -1, ServerTime: now}, nil
		}
		s.regSeq++
		return StepResult{RegistID: s.regSeq, ServerTime: now}, nil

	case StepExecute:
		return s.execute(req, now)
	}
	return StepResult{}, fmt.Errorf("unknown submission step %d", step)
}

func (s *Sim) execute(req SubmitRequest, now time.Time) (StepResult, error) {
	switch req.Order.Type {
	case types.OrderBuy, types.OrderSell, types.OrderRepSell, types.OrderRepBuy:
		s.orderSeq++
		s.userSeq++
		resp := types.OrderResponse{
			OrderID:     s.orderSeq,
			UserOrderID: s.userSeq,
			Type:        req.Order.Type,
			Venue:       req.Order.Venue,
			Code:        req.Order.Code,
			Quantity:    req.Order.Quantity,
			Price:       req.Order.Price,
			Leverage:    req.Order.Leverage,
		}
		s.orders[s.orderSeq] = &simOrder{
			resp:         resp,
			bargainDate:  req.BargainDate,
			bargainPrice: req.BargainPrice,
			remaining:    req.Order.Quantity,
			pollsLeft:    1 + s.rng.Intn(3),
		}
		return StepResult{RegistID: s.regSeq, Response: resp, ServerTime: now}, nil

	case types.OrderCorrect:
		od, ok := s.orders[req.TargetOrderID]
		if !ok {
			return StepResult{}, fmt.Errorf("correct for unknown order %d", req.TargetOrderID)
		}
		od.resp.Price = req.Order.Price
		resp := types.OrderResponse{
			OrderID:     req.TargetOrderID,
			UserOrderID: od.resp.UserOrderID,
			Type:        types.OrderCorrect,
			Venue:       req.Order.Venue,
			Code:        req.Order.Code,
			Quantity:    req.Order.Quantity,
			Price:       req.Order.Price,
			Leverage:    req.Order.Leverage,
		}
		return StepResult{RegistID: s.regSeq, Response: resp, ServerTime: now}, nil

	case types.OrderCancel:
		od, ok := s.orders[req.TargetOrderID]
		if !ok {
			return StepResult{}, fmt.Errorf("cancel for unknown order %d", req.TargetOrderID)
		}
		delete(s.orders, req.TargetOrderID)
		resp := od.resp
		resp.Type = types.OrderCancel
		return StepResult{RegistID: s.regSeq, Response: resp, ServerTime: now}, nil
	}
	return StepResult{}, fmt.Errorf("unissuable order type %s", req.Order.Type)
}
