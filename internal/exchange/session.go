// Package exchange is the boundary to the brokerage. Session is the
// contract the trading engine programs against; the real implementation
// scrapes the brokerage's web pages, the simulated one backs tests and
// dry runs. Every call is asynchronous with a single-shot callback, and
// any call can fail without a retry guarantee.
package exchange

import (
	"context"
	"time"

	"github.com/soradev/kabu-assist/internal/types"
)

// OrderCallback receives the outcome of a submitted order. On success
// rcv echoes the order as the brokerage registered it.
type OrderCallback func(ok bool, rcv types.OrderResponse, serverTime time.Time)

// LoginCallback receives the outcome of a login attempt. loggedIn is
// false when the credentials were rejected even though the request
// itself went through. hasNotice means the brokerage is showing an
// important-notice interstitial that blocks trading.
type LoginCallback func(ok, loggedIn, hasNotice bool, serverTime time.Time)

// HoldingsCallback receives a full holdings snapshot.
type HoldingsCallback func(ok bool, spot types.SpotHoldings, positions []types.Position, serverTime time.Time)

// QuotesCallback receives one quote refresh for the whole watchlist.
type QuotesCallback func(ok bool, serverTime time.Time, quotes []types.RcvQuote)

// FillsCallback receives the brokerage's current per-order fill snapshots.
type FillsCallback func(ok bool, fills []types.ExecInfo)

// Session is one authenticated brokerage session.
type Session interface {
	Login(ctx context.Context, user, password string, cb LoginCallback)
	RegisterWatchlist(ctx context.Context, codes []types.StockCode, venue types.Venue, cb func(ok bool, names types.Watchlist))
	GetHoldings(ctx context.Context, cb HoldingsCallback)
	GetQuotes(ctx context.Context, cb QuotesCallback)
	GetFills(ctx context.Context, cb FillsCallback)
	UpdateMargin(ctx context.Context, cb func(ok bool))

	PlaceOrder(ctx context.Context, order types.Order, password string, cb OrderCallback)
	CorrectOrder(ctx context.Context, orderID int, order types.Order, password string, cb OrderCallback)
	CancelOrder(ctx context.Context, orderID int, password string, cb OrderCallback)
	RepayOrder(ctx context.Context, bargainDate types.Day, bargainPrice float64, order types.Order, password string, cb OrderCallback)

	// LastAccessTime is when the session last spoke to the brokerage,
	// used for the keep-alive re-login decision.
	LastAccessTime() time.Time
}
