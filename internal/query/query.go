// Package query is the read-only Query & Reporting surface (C10):
// list_active, get-by-id, aggregate stats (EV bins, hit rates), and
// decision-chain export. Stat aggregations read closed rows only and
// never mutate.
//
// Grounded on the teacher's internal/database/repository.go
// GetTradingMetrics: COUNT(*) FILTER (WHERE ...) aggregation in SQL,
// win-rate/profit-factor finished off in Go after the query.
package query

import (
	"context"
	"sort"
	"strconv"
	"time"

	"recoengine/internal/store"
)

// Service answers read paths over the store.
type Service struct {
	st *store.Store
}

// New creates a Service backed by st.
func New(st *store.Store) *Service {
	return &Service{st: st}
}

// ActiveList is the list_active response shape: count is guaranteed equal
// to len(Recommendations).
type ActiveList struct {
	Recommendations []*store.Recommendation `json:"recommendations"`
	Count           int                      `json:"count"`
}

// ListActive returns every ACTIVE row matching filter.
func (s *Service) ListActive(ctx context.Context, filter store.ActiveFilter) (*ActiveList, error) {
	rows, err := s.st.ListActive(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &ActiveList{Recommendations: rows, Count: len(rows)}, nil
}

// Get returns a single recommendation by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Recommendation, error) {
	return s.st.Get(ctx, id)
}

// Page is one page of a historical query.
type Page struct {
	Recommendations []*store.Recommendation `json:"recommendations"`
	Page            int                      `json:"page"`
	Limit           int                      `json:"limit"`
}

// Query returns a page of recommendations, active or terminal, matching
// filter.
func (s *Service) Query(ctx context.Context, filter store.QueryFilter, page, limit int) (*Page, error) {
	rows, err := s.st.Query(ctx, filter, page, limit)
	if err != nil {
		return nil, err
	}
	return &Page{Recommendations: rows, Page: page, Limit: limit}, nil
}

// BinMode selects how Stats buckets closed rows.
type BinMode string

const (
	BinQuantile BinMode = "quantile"
	BinEven     BinMode = "even"
)

// Bin is one aggregation bucket.
type Bin struct {
	Label        string  `json:"label"`
	Count        int     `json:"count"`
	WinRate      float64 `json:"winRate"`
	AveragePnL   float64 `json:"averagePnl"`
	ProfitFactor float64 `json:"profitFactor"`
}

// Stats is the overall + binned aggregate returned by GET /stats.
type Stats struct {
	Overall   Bin            `json:"overall"`
	Bins      []Bin          `json:"bins"`
	ByABGroup map[string]Bin `json:"by_ab_group,omitempty"`
}

// StatsFilter narrows the closed-row population Stats aggregates over.
type StatsFilter struct {
	Start    *time.Time
	End      *time.Time
	ABGroups []string
	BinMode  BinMode
	Bins     int
}

// Stats computes win-rate/profit-factor aggregates over closed rows only,
// binned by entry price quantile or evenly-spaced buckets, matching the
// teacher's "SQL does the filtering, Go does the ratios" split.
func (s *Service) Stats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	qf := store.QueryFilter{Status: store.StatusClosed, Start: filter.Start, End: filter.End}

	var rows []*store.Recommendation
	if len(filter.ABGroups) <= 1 {
		group := ""
		if len(filter.ABGroups) == 1 {
			group = filter.ABGroups[0]
		}
		qf.ABGroup = group
		var err error
		rows, err = s.st.Query(ctx, qf, 1, 1_000_000)
		if err != nil {
			return nil, err
		}
	} else {
		seen := map[string]bool{}
		for _, g := range filter.ABGroups {
			qf.ABGroup = g
			sub, err := s.st.Query(ctx, qf, 1, 1_000_000)
			if err != nil {
				return nil, err
			}
			for _, r := range sub {
				if !seen[r.ID] {
					seen[r.ID] = true
					rows = append(rows, r)
				}
			}
		}
	}

	result := &Stats{Overall: computeBin("overall", rows)}

	bins := filter.Bins
	if bins <= 0 {
		bins = 4
	}
	result.Bins = binRows(rows, bins, filter.BinMode)

	if len(filter.ABGroups) >= 2 {
		result.ByABGroup = map[string]Bin{}
		byGroup := map[string][]*store.Recommendation{}
		for _, r := range rows {
			g := ""
			if r.ABGroup != nil {
				g = *r.ABGroup
			}
			byGroup[g] = append(byGroup[g], r)
		}
		for g, grouped := range byGroup {
			result.ByABGroup[g] = computeBin(g, grouped)
		}
	}

	return result, nil
}

func computeBin(label string, rows []*store.Recommendation) Bin {
	b := Bin{Label: label, Count: len(rows)}
	if len(rows) == 0 {
		return b
	}

	var wins, totalPnL, winPnL, lossPnL float64
	var winCount, lossCount int
	for _, r := range rows {
		if r.PnLPercent == nil {
			continue
		}
		pnl := *r.PnLPercent
		totalPnL += pnl
		if pnl > 0 {
			wins++
			winCount++
			winPnL += pnl
		} else if pnl < 0 {
			lossCount++
			lossPnL += pnl
		}
	}
	b.WinRate = wins / float64(len(rows)) * 100
	b.AveragePnL = totalPnL / float64(len(rows))
	if lossPnL != 0 {
		b.ProfitFactor = winPnL / -lossPnL
	}
	return b
}

// binRows sorts by entry price and splits into either evenly-sized groups
// (quantile) or evenly-spaced price ranges (even).
func binRows(rows []*store.Recommendation, numBins int, mode BinMode) []Bin {
	if len(rows) == 0 {
		return nil
	}
	sorted := append([]*store.Recommendation(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EntryPrice < sorted[j].EntryPrice })

	if mode == BinEven {
		return evenBins(sorted, numBins)
	}
	return quantileBins(sorted, numBins)
}

func quantileBins(sorted []*store.Recommendation, numBins int) []Bin {
	var bins []Bin
	n := len(sorted)
	for i := 0; i < numBins; i++ {
		start := i * n / numBins
		end := (i + 1) * n / numBins
		if start >= end {
			continue
		}
		label := "q" + strconv.Itoa(i+1)
		bins = append(bins, computeBin(label, sorted[start:end]))
	}
	return bins
}

func evenBins(sorted []*store.Recommendation, numBins int) []Bin {
	lo := sorted[0].EntryPrice
	hi := sorted[len(sorted)-1].EntryPrice
	width := (hi - lo) / float64(numBins)
	if width <= 0 {
		return []Bin{computeBin("b1", sorted)}
	}

	buckets := make([][]*store.Recommendation, numBins)
	for _, r := range sorted {
		idx := int((r.EntryPrice - lo) / width)
		if idx >= numBins {
			idx = numBins - 1
		}
		buckets[idx] = append(buckets[idx], r)
	}

	var bins []Bin
	for i, b := range buckets {
		if len(b) == 0 {
			continue
		}
		bins = append(bins, computeBin("b"+strconv.Itoa(i+1), b))
	}
	return bins
}

// EVMetrics is the GET /monitoring/ev-metrics response: closed rows split
// by whether ev_ok was true, false, or unset.
type EVMetrics struct {
	EVOk      Bin `json:"evOk"`
	EVNotOk   Bin `json:"evNotOk"`
	EVUnknown Bin `json:"evUnknown"`
}

// EVMetrics computes the ev_ok/not_ok subgroup summaries over closed rows.
func (s *Service) EVMetrics(ctx context.Context, start, end *time.Time) (*EVMetrics, error) {
	rows, err := s.st.Query(ctx, store.QueryFilter{Status: store.StatusClosed, Start: start, End: end}, 1, 1_000_000)
	if err != nil {
		return nil, err
	}

	var ok, notOk, unknown []*store.Recommendation
	for _, r := range rows {
		switch {
		case r.EVOk == nil:
			unknown = append(unknown, r)
		case *r.EVOk:
			ok = append(ok, r)
		default:
			notOk = append(notOk, r)
		}
	}

	return &EVMetrics{
		EVOk:      computeBin("ev_ok", ok),
		EVNotOk:   computeBin("ev_not_ok", notOk),
		EVUnknown: computeBin("ev_unknown", unknown),
	}, nil
}

// DecisionChains returns a page of decision chain headers matching filter.
func (s *Service) DecisionChains(ctx context.Context, filter store.ChainFilter, page, limit int) ([]*store.DecisionChain, error) {
	return s.st.QueryDecisionChains(ctx, filter, page, limit)
}

// DecisionChain returns one full chain, including its steps, for export.
func (s *Service) DecisionChain(ctx context.Context, chainID string) (*store.DecisionChain, error) {
	return s.st.GetDecisionChain(ctx, chainID)
}
