package domain

import "time"

// Supply is a row of the recommended_supplies table.
type Supply struct {
	ID           string    `json:"id" yaml:"id"`
	SupplyList   string    `json:"supply_list" yaml:"supply_list"`
	PurchaseLink string    `json:"purchase_link" yaml:"purchase_link"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}
