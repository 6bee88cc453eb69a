package router

import (
	"context"
	"math"

	"gatewaycore/internal/brokerrest"
)

// statisticsSummary is the aggregated view GET_STATISTICS returns: the
// broker's per-call Stats only gives trade count, total P&L, fees and win
// rate; profit factor and averages are derived here by summing the
// underlying trade rows.
type statisticsSummary struct {
	TradeCount    int     `json:"tradeCount"`
	ProfitAndLoss float64 `json:"profitAndLoss"`
	Fees          float64 `json:"fees"`
	WinRate       float64 `json:"winRate"`
	ProfitFactor  float64 `json:"profitFactor"`
	AverageWin    float64 `json:"averageWin"`
	AverageLoss   float64 `json:"averageLoss"`
	AverageTrade  float64 `json:"averageTrade"`
}

// aggregateStatistics sums every trade row in [startTime, endTime] (or all
// history if unset) and derives win rate, profit factor and averages. Sums
// are accumulated at full precision; the returned values are rounded to 2
// decimal places.
func (r *Router) aggregateStatistics(ctx context.Context, req request) (statisticsSummary, error) {
	trades, err := r.rest.SearchTrades(ctx, brokerrest.TradeSearchParams{
		AccountID: req.AccountID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		return statisticsSummary{}, err
	}

	var summary statisticsSummary
	var grossWin, grossLoss float64
	var wins, losses int

	for _, t := range trades {
		summary.TradeCount++
		summary.ProfitAndLoss += t.ProfitAndLoss
		summary.Fees += t.Fees
		switch {
		case t.ProfitAndLoss > 0:
			wins++
			grossWin += t.ProfitAndLoss
		case t.ProfitAndLoss < 0:
			losses++
			grossLoss += -t.ProfitAndLoss
		}
	}

	if summary.TradeCount > 0 {
		summary.WinRate = float64(wins) / float64(summary.TradeCount)
		summary.AverageTrade = summary.ProfitAndLoss / float64(summary.TradeCount)
	}
	if wins > 0 {
		summary.AverageWin = grossWin / float64(wins)
	}
	if losses > 0 {
		summary.AverageLoss = grossLoss / float64(losses)
	}
	if grossLoss > 0 {
		summary.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		summary.ProfitFactor = grossWin
	}

	for _, v := range []*float64{
		&summary.ProfitAndLoss, &summary.Fees, &summary.WinRate, &summary.ProfitFactor,
		&summary.AverageWin, &summary.AverageLoss, &summary.AverageTrade,
	} {
		*v = math.Round(*v*100) / 100
	}

	return summary, nil
}
