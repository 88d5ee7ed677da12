package machine

import (
	"context"
	"sync"
	"time"

	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/types"
)

type starterSeq int

const (
	starterNone starterSeq = iota
	starterBusy
	starterReady
)

// InitMonitoringFunc accepts the brokerage's watchlist echo for a venue.
type InitMonitoringFunc func(venue types.Venue, names types.Watchlist) error

// UpdateHoldingsFunc accepts a fresh holdings snapshot.
type UpdateHoldingsFunc func(spot types.SpotHoldings, positions []types.Position)

// Starter brings a venue up for trading: re-login when the session has
// gone stale, register the watchlist, then pull holdings. Ready flips
// only after the holdings snapshot landed.
type Starter struct {
	session     exchange.Session
	notifier    notify.Notifier
	sessionKeep time.Duration
	clock       func() time.Time

	mu        sync.Mutex
	seq       starterSeq
	lastVenue types.Venue
}

// NewStarter wires a starter. sessionKeep is how long the brokerage
// keeps an idle session alive; a longer gap forces a fresh login.
func NewStarter(session exchange.Session, notifier notify.Notifier, sessionKeep time.Duration) *Starter {
	return &Starter{
		session:     session,
		notifier:    notifier,
		sessionKeep: sessionKeep,
		clock:       time.Now,
		lastVenue:   types.VenueNone,
	}
}

// Ready reports whether the venue start completed.
func (s *Starter) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq == starterReady
}

// Start kicks off the venue start chain. Returns false when a previous
// start is still running; the caller treats that as a hard stop.
func (s *Starter) Start(ctx context.Context, user, password string,
	codes []types.StockCode, venue types.Venue,
	initFn InitMonitoringFunc, updateFn UpdateHoldingsFunc) bool {

	s.mu.Lock()
	if s.seq != starterNone && s.seq != starterReady {
		s.mu.Unlock()
		return false
	}
	s.seq = starterBusy
	needLogin := s.clock().Sub(s.session.LastAccessTime()) > s.sessionKeep
	s.mu.Unlock()

	if !needLogin {
		s.registerWatchlist(ctx, codes, venue, initFn, updateFn)
		return true
	}

	s.session.Login(ctx, user, password, func(ok, loggedIn, hasNotice bool, serverTime time.Time) {
		date := serverTime.Format(time.RFC1123)
		switch {
		case !ok:
			s.notifier.Announce(date, "login request failed, the brokerage may be in maintenance")
		case !loggedIn:
			s.notifier.Announce(date, "login rejected, check the account credentials")
		default:
			if hasNotice {
				s.notifier.Announce(date, "logged in, the brokerage has an important notice pending")
			} else {
				s.notifier.Announce(date, "logged in")
			}
			s.registerWatchlist(ctx, codes, venue, initFn, updateFn)
		}
		// On failure the starter stays busy; the machine holds.
	})
	return true
}

func (s *Starter) registerWatchlist(ctx context.Context, codes []types.StockCode, venue types.Venue,
	initFn InitMonitoringFunc, updateFn UpdateHoldingsFunc) {

	s.mu.Lock()
	same := s.lastVenue == venue
	s.lastVenue = venue
	s.mu.Unlock()

	if same {
		// Already registered for this venue.
		s.fetchHoldings(ctx, updateFn)
		return
	}

	s.session.RegisterWatchlist(ctx, codes, venue, func(ok bool, names types.Watchlist) {
		if !ok {
			return
		}
		if err := initFn(venue, names); err != nil {
			return
		}
		s.fetchHoldings(ctx, updateFn)
	})
}

func (s *Starter) fetchHoldings(ctx context.Context, updateFn UpdateHoldingsFunc) {
	s.session.GetHoldings(ctx, func(ok bool, spot types.SpotHoldings, positions []types.Position, _ time.Time) {
		if !ok {
			return
		}
		updateFn(spot, positions)
		s.mu.Lock()
		s.seq = starterReady
		s.mu.Unlock()
	})
}
