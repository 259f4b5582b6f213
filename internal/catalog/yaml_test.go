package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
products:
  - id: p1
    name: A4 Copy Paper
    vendor_name: Manila Office Depot
    price: 250
    stock: 1000
couriers:
  - id: lbc
    name: LBC Express
    type: standard
    base_rate: 250
orders:
  - id: ord-1
    status: pending
    total_amount: 5000
    created_at: 2025-01-02T03:04:05Z
`

func TestDecode(t *testing.T) {
	t.Parallel()
	snap, err := Decode(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(snap.Products) != 1 || snap.Products[0].Price != 250 {
		t.Errorf("products = %+v", snap.Products)
	}
	if len(snap.Couriers) != 1 || snap.Couriers[0].Type != CourierStandard {
		t.Errorf("couriers = %+v", snap.Couriers)
	}
	if len(snap.Orders) != 1 || snap.Orders[0].CreatedAt.Year() != 2025 {
		t.Errorf("orders = %+v", snap.Orders)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "unknown field", yaml: "products:\n  - id: p1\n    name: x\n    colour: red\n", wantErr: "colour"},
		{name: "missing name", yaml: "products:\n  - id: p1\n", wantErr: "products[0]: id and name are required"},
		{name: "duplicate id", yaml: "couriers:\n  - {id: a, name: A}\n  - {id: a, name: B}\n", wantErr: `couriers[1]: duplicate id "a"`},
		{name: "bad courier type", yaml: "couriers:\n  - {id: a, name: A, type: teleport}\n", wantErr: `unknown type "teleport"`},
		{name: "negative price", yaml: "products:\n  - {id: p, name: P, price: -1}\n", wantErr: "must not be negative"},
		{name: "order without id", yaml: "orders:\n  - {status: pending}\n", wantErr: "orders[0]: id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	t.Parallel()
	snap, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(snap.Products)+len(snap.Couriers)+len(snap.Orders) != 0 {
		t.Errorf("snap = %+v, want empty", snap)
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	snap, err := FileSource{Path: path}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Products) != 1 {
		t.Errorf("products = %d, want 1", len(snap.Products))
	}

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}.Load(context.Background())
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuiltin_Valid(t *testing.T) {
	t.Parallel()
	snap, err := BuiltinSource{}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("builtin fixtures invalid: %v", err)
	}
	if len(snap.Products) != 4 || len(snap.Couriers) != 4 || len(snap.Orders) != 3 {
		t.Errorf("fixture sizes = %d/%d/%d, want 4/4/3",
			len(snap.Products), len(snap.Couriers), len(snap.Orders))
	}
}
