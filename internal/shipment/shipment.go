// Package shipment is the payment core's view of the marketplace shipment
// record: it reads ownership and the agreed price at initiation and writes
// one boolean, the paid flag, when an escrow is funded or refunded.
package shipment

import (
	"context"
	"errors"
	"time"
)

var ErrShipmentNotFound = errors.New("shipment not found")

// Shipment is the subset of the marketplace record the payment core uses.
type Shipment struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	AgreedPrice int64     `json:"agreedPrice"`
	Paid        bool      `json:"paid"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store reads shipments and writes the paid flag.
type Store interface {
	Get(ctx context.Context, id string) (*Shipment, error)
	SetPaid(ctx context.Context, id string, paid bool) error
}
