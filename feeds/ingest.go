package feeds

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INGESTOR - JSON-lines observation stream → TradeEvent channel
// ═══════════════════════════════════════════════════════════════════════════════
//
// The external collector owns the upstream transport and emits one JSON
// observation per line. This side validates, deduplicates and feeds the
// engine. Observed trade prices double as marks for the price cache: every
// trade someone made IS a price print.
//
// ═══════════════════════════════════════════════════════════════════════════════

// wireObservation is the collector's line format.
type wireObservation struct {
	TxID          string          `json:"tx_id"`
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	SourceAccount string          `json:"source_account"`
	AssetID       string          `json:"asset_id"`
	ConditionID   string          `json:"condition_id"`
	Side          string          `json:"side"`
	Shares        decimal.Decimal `json:"shares"`
	Price         decimal.Decimal `json:"price"`
	Title         string          `json:"title"`
	Outcome       string          `json:"outcome"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	Timestamp     int64           `json:"timestamp"` // unix seconds
}

// Ingestor reads raw observations and emits canonical events.
type Ingestor struct {
	normalizer *Normalizer
	prices     *PriceCache
	events     chan *types.TradeEvent
}

// NewIngestor creates an ingestor. prices may be nil.
func NewIngestor(normalizer *Normalizer, prices *PriceCache, buffer int) *Ingestor {
	if buffer <= 0 {
		buffer = 256
	}
	return &Ingestor{
		normalizer: normalizer,
		prices:     prices,
		events:     make(chan *types.TradeEvent, buffer),
	}
}

// Events is the canonical event stream consumed by the engine.
func (in *Ingestor) Events() <-chan *types.TradeEvent {
	return in.events
}

// Run decodes observations line by line until EOF or cancellation, then
// closes the event channel. Malformed lines are logged and skipped.
func (in *Ingestor) Run(ctx context.Context, r io.Reader) {
	defer close(in.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var w wireObservation
		if err := json.Unmarshal(line, &w); err != nil {
			log.Warn().Err(err).Msg("Malformed observation line")
			continue
		}

		if in.prices != nil && w.AssetID != "" && w.Price.IsPositive() {
			in.prices.Set(w.AssetID, w.Price)
		}

		ev := in.normalizer.Observe(RawObservation{
			TxID:          w.TxID,
			EventID:       w.EventID,
			Type:          w.Type,
			SourceAccount: w.SourceAccount,
			AssetID:       w.AssetID,
			ConditionID:   w.ConditionID,
			Side:          w.Side,
			Shares:        w.Shares,
			Price:         w.Price,
			Title:         w.Title,
			Outcome:       w.Outcome,
			EndDate:       w.EndDate,
			Timestamp:     wireTime(w.Timestamp),
		})
		if ev == nil {
			continue
		}

		select {
		case in.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("Observation stream read failed")
	}
}

// wireTime maps a missing unix timestamp to the zero time so the
// normalizer stamps arrival time instead of 1970.
func wireTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
