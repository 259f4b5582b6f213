// Package catalog holds the read-only marketplace knowledge a call is
// grounded on and renders it into the persona's system instructions.
//
// A [Snapshot] is loaded once per call from a [Source] (built-in fixtures, a
// YAML file, or Postgres) and never mutated afterwards.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRole is returned when a caller role is not one of the marketplace
// roles.
var ErrInvalidRole = errors.New("catalog: invalid caller role")

// Role is the marketplace role of the person on the call.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// ParseRole validates s. The empty string is accepted and yields an empty
// role, which renders as a guest.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "", RoleBuyer, RoleVendor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Caller identifies who the call is for. Both fields are optional.
type Caller struct {
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// Product is a catalogue listing.
type Product struct {
	ID            string  `yaml:"id"`
	VendorName    string  `yaml:"vendor_name"`
	Name          string  `yaml:"name"`
	Category      string  `yaml:"category"`
	Price         float64 `yaml:"price"`
	Stock         int     `yaml:"stock"`
	MinOrderQty   int     `yaml:"min_order_qty"`
	LeadTimeHours int     `yaml:"lead_time_hours"`
	Description   string  `yaml:"description"`
	Sponsored     bool    `yaml:"sponsored"`
}

// CourierType classifies delivery speed.
type CourierType string

const (
	CourierExpress  CourierType = "express"
	CourierStandard CourierType = "standard"
	CourierEconomy  CourierType = "economy"
)

// Courier is a delivery option.
type Courier struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	Type          CourierType `yaml:"type"`
	BaseRate      float64     `yaml:"base_rate"`
	EstimatedDays string      `yaml:"estimated_days"`
	Description   string      `yaml:"description"`
	VendorFleet   bool        `yaml:"vendor_fleet"`
}

// Order is a recent marketplace order.
type Order struct {
	ID             string    `yaml:"id"`
	BuyerName      string    `yaml:"buyer_name"`
	TotalAmount    float64   `yaml:"total_amount"`
	Status         string    `yaml:"status"`
	PaymentStatus  string    `yaml:"payment_status"`
	CreatedAt      time.Time `yaml:"created_at"`
	CourierID      string    `yaml:"courier_id"`
	TrackingNumber string    `yaml:"tracking_number"`
}

// Snapshot is the knowledge available to one call.
type Snapshot struct {
	Products []Product `yaml:"products"`
	Couriers []Courier `yaml:"couriers"`
	Orders   []Order   `yaml:"orders"`
}

// Source loads a [Snapshot].
type Source interface {
	Load(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context) (Snapshot, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context) (Snapshot, error) { return f(ctx) }
