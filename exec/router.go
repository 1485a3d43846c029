package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/ledger"
	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ROUTER - One dispatch point per subscriber mode
// ═══════════════════════════════════════════════════════════════════════════════
//
// Mode Flow:
//   paper     → virtual ledger only
//   recommend → notification only, nothing committed
//   auto      → adapter FOK order, actual fill mirrored into the shadow ledger
//
// The router records what actually happened, not what was requested: an
// auto fill that comes back smaller than asked is recorded at the fill, and
// the shadow ledger is updated with the fill too.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Adapter places fill-or-kill orders on the venue. Implementations live
// outside this module; errors are transport failures, while NoLiquidity is
// a clean kill.
type Adapter interface {
	PlaceOrder(ctx context.Context, req types.FillRequest) (types.FillResult, error)
}

// Notifier delivers subscriber-facing events. Delivery failures never
// affect replica outcomes.
type Notifier interface {
	NotifyRecommendation(subscriberID string, e *types.TradeEvent, size decimal.Decimal)
	NotifyFill(subscriberID string, e *types.TradeEvent, res types.Result)
	NotifyRedemption(subscriberID, title string, proceeds decimal.Decimal)
}

// Request is one sized, gated order ready for dispatch.
type Request struct {
	Subscriber types.Subscription
	Event      *types.TradeEvent
	// Size is USDC to commit on a BUY, Shares to release on a SELL.
	Size   decimal.Decimal
	Shares decimal.Decimal
	// Limit is the slippage-band price bound for auto execution.
	Limit decimal.Decimal
}

// Router dispatches replica orders per subscriber mode.
type Router struct {
	ledger   *ledger.Ledger
	adapter  Adapter
	notifier Notifier
}

// New creates a router. adapter may be nil when no auto subscribers exist;
// notifier may be nil in headless runs.
func New(l *ledger.Ledger, adapter Adapter, notifier Notifier) *Router {
	return &Router{ledger: l, adapter: adapter, notifier: notifier}
}

// Execute routes one order and returns the terminal result.
func (r *Router) Execute(ctx context.Context, req Request) types.Result {
	var res types.Result
	switch req.Subscriber.Mode {
	case types.ModePaper:
		res = r.executePaper(req)
	case types.ModeRecommend:
		res = r.executeRecommend(req)
	case types.ModeAuto:
		res = r.executeAuto(ctx, req)
	default:
		res = types.Fail(fmt.Sprintf("unknown mode %q", req.Subscriber.Mode))
	}

	if r.notifier != nil && res.Executed() {
		r.notifier.NotifyFill(req.Subscriber.SubscriberID, req.Event, res)
	}
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Router) executePaper(req Request) types.Result {
	e := req.Event
	owner := req.Subscriber.SubscriberID

	switch e.Side {
	case types.SideBuy:
		shares := req.Size.Div(e.Price)
		err := r.ledger.ApplyBuy(owner, ledger.Asset{
			ID:            e.AssetID,
			ConditionID:   e.ConditionID,
			Outcome:       e.Outcome,
			Title:         e.Title,
			SourceAccount: e.SourceAccount,
			EndDate:       e.EndDate,
		}, shares, e.Price)
		if err != nil {
			return paperFailure(err)
		}
		return types.Result{
			Status:    types.StatusExecuted,
			FillSize:  req.Size,
			FillPrice: e.Price,
			Shares:    shares,
			OrderRef:  "paper",
		}

	case types.SideSell:
		sold, err := r.ledger.ApplySell(owner, e.AssetID, req.Shares, e.Price)
		if err != nil {
			return paperFailure(err)
		}
		return types.Result{
			Status:    types.StatusExecuted,
			FillSize:  sold.Mul(e.Price),
			FillPrice: e.Price,
			Shares:    sold,
			OrderRef:  "paper",
		}
	}
	return types.Fail(fmt.Sprintf("unknown side %q", e.Side))
}

func paperFailure(err error) types.Result {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return types.Skip(types.ReasonInsufficientFunds)
	case errors.Is(err, ledger.ErrNoPosition):
		return types.Skip(types.ReasonNoPosition)
	default:
		return types.Fail(err.Error())
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECOMMEND
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Router) executeRecommend(req Request) types.Result {
	size := req.Size
	if req.Event.Side == types.SideSell {
		size = req.Shares.Mul(req.Event.Price)
	}
	if r.notifier != nil {
		r.notifier.NotifyRecommendation(req.Subscriber.SubscriberID, req.Event, size)
	}

	log.Info().
		Str("subscriber", req.Subscriber.SubscriberID).
		Str("side", string(req.Event.Side)).
		Str("size", size.StringFixed(2)).
		Str("market", req.Event.Title).
		Msg("💡 Recommendation sent")

	// Nothing committed: record what was recommended, at the source price.
	return types.Result{
		Status:    types.StatusExecuted,
		FillSize:  size,
		FillPrice: req.Event.Price,
		Shares:    size.Div(req.Event.Price),
		OrderRef:  "recommendation",
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTO
// ═══════════════════════════════════════════════════════════════════════════════

const orderTimeout = 15 * time.Second

func (r *Router) executeAuto(ctx context.Context, req Request) types.Result {
	if r.adapter == nil {
		return types.Fail("no execution adapter configured")
	}

	e := req.Event
	amount := req.Size
	if e.Side == types.SideSell {
		amount = req.Shares
	}

	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	fill, err := r.adapter.PlaceOrder(ctx, types.FillRequest{
		TokenID: e.AssetID,
		Side:    e.Side,
		Amount:  amount,
		Price:   req.Limit,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("subscriber", req.Subscriber.SubscriberID).
			Str("market", e.Title).
			Msg("Order placement failed")
		return types.Fail(err.Error())
	}
	if fill.NoLiquidity {
		return types.Skip(types.ReasonNoLiquidity)
	}
	if !fill.Success {
		reason := fill.Err
		if reason == "" {
			reason = "order rejected"
		}
		return types.Fail(reason)
	}

	// Mirror the actual fill into the shadow ledger so accounting tracks
	// real holdings. A shadow miss is logged, not propagated: the venue
	// fill already happened.
	r.shadow(req, fill)

	log.Info().
		Str("subscriber", req.Subscriber.SubscriberID).
		Str("side", string(e.Side)).
		Str("shares", fill.FillShares.StringFixed(2)).
		Str("price", fill.FillPrice.StringFixed(4)).
		Str("order", fill.OrderRef).
		Msg("✅ Order filled")

	return types.Result{
		Status:    types.StatusExecuted,
		FillSize:  fill.FillShares.Mul(fill.FillPrice),
		FillPrice: fill.FillPrice,
		Shares:    fill.FillShares,
		OrderRef:  fill.OrderRef,
	}
}

func (r *Router) shadow(req Request, fill types.FillResult) {
	e := req.Event
	owner := req.Subscriber.SubscriberID

	var err error
	switch e.Side {
	case types.SideBuy:
		err = r.ledger.ApplyBuy(owner, ledger.Asset{
			ID:            e.AssetID,
			ConditionID:   e.ConditionID,
			Outcome:       e.Outcome,
			Title:         e.Title,
			SourceAccount: e.SourceAccount,
			EndDate:       e.EndDate,
		}, fill.FillShares, fill.FillPrice)
	case types.SideSell:
		_, err = r.ledger.ApplySell(owner, e.AssetID, fill.FillShares, fill.FillPrice)
	}
	if err != nil {
		log.Warn().Err(err).
			Str("subscriber", owner).
			Str("asset", e.AssetID).
			Msg("Shadow ledger update failed")
	}
}
