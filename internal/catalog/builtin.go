package catalog

import (
	"context"
	"time"
)

// Builtin returns the demo marketplace fixtures. Order timestamps are relative
// to now.
func Builtin(now time.Time) Snapshot {
	return Snapshot{
		Products: []Product{
			{
				ID: "p1", VendorName: "Manila Office Depot", Name: "A4 Copy Paper (500 sheets)",
				Category: "Office Supplies", Price: 250, Stock: 1000, MinOrderQty: 5, LeadTimeHours: 24,
				Description: "High quality 70gsm multipurpose paper.",
			},
			{
				ID: "p2", VendorName: "Manila Office Depot", Name: "Ergonomic Mesh Chair",
				Category: "Furniture", Price: 4500, Stock: 50, MinOrderQty: 1, LeadTimeHours: 48,
				Description: "Breathable mesh back with lumbar support.", Sponsored: true,
			},
			{
				ID: "p3", VendorName: "BuildRight Construction", Name: "Portland Cement (40kg)",
				Category: "Construction", Price: 230, Stock: 5000, MinOrderQty: 50, LeadTimeHours: 24,
				Description: "General purpose cement for structural applications.",
			},
			{
				ID: "p4", VendorName: "Fresh Farms Direct", Name: "Jasmine Rice (25kg)",
				Category: "Food Supplies", Price: 1250, Stock: 200, MinOrderQty: 2, LeadTimeHours: 12,
				Description: "Premium grade Jasmine rice, fresh harvest.",
			},
		},
		Couriers: []Courier{
			{ID: "vendor-fleet", Name: "Supplier Own Fleet", Type: CourierExpress, BaseRate: 0, EstimatedDays: "1 day", Description: "Direct delivery from supplier.", VendorFleet: true},
			{ID: "wecon-express", Name: "WeConnect Express", Type: CourierExpress, BaseRate: 500, EstimatedDays: "1 day", Description: "Guaranteed 24h Delivery SLA"},
			{ID: "lbc", Name: "LBC Express", Type: CourierStandard, BaseRate: 250, EstimatedDays: "2-3 days", Description: "Nationwide trusted courier"},
			{ID: "jnt", Name: "J&T Express", Type: CourierStandard, BaseRate: 180, EstimatedDays: "2-4 days", Description: "Fast ecommerce logistics"},
		},
		Orders: []Order{
			{ID: "ord-1001", BuyerName: "TechStart Inc.", TotalAmount: 5000, Status: "pending", PaymentStatus: "paid", CreatedAt: now, CourierID: "wecon-express"},
			{ID: "ord-1002", BuyerName: "Cafe Manila", TotalAmount: 12500, Status: "shipped", PaymentStatus: "paid", CreatedAt: now.Add(-48 * time.Hour), CourierID: "lbc", TrackingNumber: "1452-9981-LBC"},
			{ID: "ord-1003", BuyerName: "TechStart Inc.", TotalAmount: 23000, Status: "delivered", PaymentStatus: "paid", CreatedAt: now.Add(-7 * 24 * time.Hour), CourierID: "jnt", TrackingNumber: "PH0998123881"},
		},
	}
}

// BuiltinSource serves [Builtin] fixtures.
type BuiltinSource struct {
	// Now overrides the clock used for order timestamps.
	Now func() time.Time
}

// Load implements [Source].
func (s BuiltinSource) Load(context.Context) (Snapshot, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Builtin(now()), nil
}
