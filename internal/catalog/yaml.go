package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads a YAML snapshot from disk on every Load.
type FileSource struct {
	Path string
}

// Load implements [Source].
func (s FileSource) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog: read %q: %w", s.Path, err)
	}
	snap, err := Decode(bytes.NewReader(data))
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog: %q: %w", s.Path, err)
	}
	return snap, nil
}

// Decode parses a YAML snapshot. Unknown keys are rejected so that typos
// surface instead of silently dropping records.
func Decode(r io.Reader) (Snapshot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("decode: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Validate checks that every record has an id and a name where one applies,
// and that ids are unique per kind.
func (s Snapshot) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, p := range s.Products {
		if p.ID == "" || p.Name == "" {
			errs = append(errs, fmt.Errorf("products[%d]: id and name are required", i))
		} else if seen["p:"+p.ID] {
			errs = append(errs, fmt.Errorf("products[%d]: duplicate id %q", i, p.ID))
		}
		seen["p:"+p.ID] = true
		if p.Price < 0 || p.Stock < 0 {
			errs = append(errs, fmt.Errorf("products[%d]: price and stock must not be negative", i))
		}
	}
	for i, c := range s.Couriers {
		if c.ID == "" || c.Name == "" {
			errs = append(errs, fmt.Errorf("couriers[%d]: id and name are required", i))
		} else if seen["c:"+c.ID] {
			errs = append(errs, fmt.Errorf("couriers[%d]: duplicate id %q", i, c.ID))
		}
		seen["c:"+c.ID] = true
		switch c.Type {
		case "", CourierExpress, CourierStandard, CourierEconomy:
		default:
			errs = append(errs, fmt.Errorf("couriers[%d]: unknown type %q", i, c.Type))
		}
	}
	for i, o := range s.Orders {
		if o.ID == "" {
			errs = append(errs, fmt.Errorf("orders[%d]: id is required", i))
		} else if seen["o:"+o.ID] {
			errs = append(errs, fmt.Errorf("orders[%d]: duplicate id %q", i, o.ID))
		}
		seen["o:"+o.ID] = true
	}
	return errors.Join(errs...)
}
