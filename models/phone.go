package models

import (
	"time"

	"github.com/google/uuid"
)

// Phone is the product record. Only the stock counters are mutated by the
// payment flows; Stock is available units and Reserved is units held
// against in-flight orders.
type Phone struct {
	ID    uuid.UUID `bson:"_id" json:"id"`
	Name  string    `bson:"name" json:"name"`
	Brand string    `bson:"brand" json:"brand"`

	Price           int64    `bson:"price" json:"price"`
	DiscountPercent int      `bson:"discount_percent" json:"discount_percent"`
	Currency        Currency `bson:"currency" json:"currency"`

	Stock    int `bson:"stock" json:"stock"`
	Reserved int `bson:"reserved" json:"reserved"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// EffectivePrice applies the product's active discount.
func (p *Phone) EffectivePrice() int64 {
	if p.DiscountPercent <= 0 {
		return p.Price
	}
	return p.Price - p.Price*int64(p.DiscountPercent)/100
}
