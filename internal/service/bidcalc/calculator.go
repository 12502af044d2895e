// Package bidcalc suggests live-show starting bids for a bulk lot.
package bidcalc

import "errors"

// DefaultPlatformFeePercent applies when the caller omits a fee.
const DefaultPlatformFeePercent = 15.0

const (
	markupLow  = 1.2
	markupHigh = 1.3
)

var (
	// ErrInvalidLot is returned when lot cost or item count is not positive.
	ErrInvalidLot = errors.New("bidcalc: lot cost and total items must be greater than zero")
	// ErrInvalidCost is returned for negative shipping or an out-of-range fee.
	ErrInvalidCost = errors.New("bidcalc: shipping must be non-negative and fee between 0 and 100")
)

// Input describes the bulk buy. A nil PlatformFeePercent uses the default.
type Input struct {
	LotCost            float64  `json:"lot_cost"`
	ShippingCost       float64  `json:"shipping_cost"`
	TotalItems         float64  `json:"total_items"`
	PlatformFeePercent *float64 `json:"platform_fee_percent"`
}

// Result is the per-item and per-lot breakdown.
type Result struct {
	TotalCost     float64 `json:"total_cost"`
	CostPerItem   float64 `json:"cost_per_item"`
	FeePerItem    float64 `json:"fee_per_item"`
	AllInCost     float64 `json:"all_in_cost"`
	SuggestedLow  float64 `json:"suggested_low"`
	SuggestedHigh float64 `json:"suggested_high"`
	NetProfitLow  float64 `json:"net_profit_low"`
	NetProfitHigh float64 `json:"net_profit_high"`
	ROILow        int     `json:"roi_low"`
	ROIHigh       int     `json:"roi_high"`
	PotentialLow  float64 `json:"potential_low"`
	PotentialHigh float64 `json:"potential_high"`
}

// Calculate prices items at a 20 to 30 percent markup over their all-in cost.
func Calculate(in Input) (Result, error) {
	if in.LotCost <= 0 || in.TotalItems <= 0 {
		return Result{}, ErrInvalidLot
	}
	fee := DefaultPlatformFeePercent
	if in.PlatformFeePercent != nil {
		fee = *in.PlatformFeePercent
	}
	if in.ShippingCost < 0 || fee < 0 || fee > 100 {
		return Result{}, ErrInvalidCost
	}

	totalCost := in.LotCost + in.ShippingCost
	costPerItem := totalCost / in.TotalItems
	feePerItem := costPerItem * (fee / 100)
	allIn := costPerItem + feePerItem
	low := allIn * markupLow
	high := allIn * markupHigh

	return Result{
		TotalCost:     totalCost,
		CostPerItem:   costPerItem,
		FeePerItem:    feePerItem,
		AllInCost:     allIn,
		SuggestedLow:  low,
		SuggestedHigh: high,
		NetProfitLow:  low - allIn,
		NetProfitHigh: high - allIn,
		ROILow:        20,
		ROIHigh:       30,
		PotentialLow:  (low - allIn) * in.TotalItems,
		PotentialHigh: (high - allIn) * in.TotalItems,
	}, nil
}
