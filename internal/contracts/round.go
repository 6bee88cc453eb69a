package contracts

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RoundToTickSize rounds price to the nearest multiple of tick using exact
// decimal arithmetic (round(price/tick)*tick), avoiding the float64 drift a
// plain math.Round(price/tick)*tick would introduce at small tick sizes.
func RoundToTickSize(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	d := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded := d.Div(t).Round(0).Mul(t)
	out, _ := rounded.Float64()
	return out
}

// FormatPrice prints price to 2 decimals, or 4 when tick is sub-cent.
func FormatPrice(price, tick float64) string {
	decimals := 2
	if tick > 0 && tick < 0.01 {
		decimals = 4
	}
	return strconv.FormatFloat(price, 'f', decimals, 64)
}
