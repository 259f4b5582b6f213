package catalog

import (
	"strings"
	"testing"
	"time"
)

func TestBuildInstructions_CallerFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		caller   Caller
		wantName string
		wantRole string
	}{
		{name: "anonymous", caller: Caller{}, wantName: "named: Sir/Ma'am.", wantRole: "Role: Guest."},
		{name: "blank name", caller: Caller{Name: "   "}, wantName: "named: Sir/Ma'am.", wantRole: "Role: Guest."},
		{name: "buyer", caller: Caller{Name: "Juan Dela Cruz", Role: RoleBuyer}, wantName: "named: Juan Dela Cruz.", wantRole: "Role: buyer."},
		{name: "vendor", caller: Caller{Name: "Maria Santos", Role: RoleVendor}, wantName: "named: Maria Santos.", wantRole: "Role: vendor."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := BuildInstructions(Persona{}, tt.caller, Snapshot{})
			if !strings.Contains(got, tt.wantName) {
				t.Errorf("missing %q in:\n%s", tt.wantName, got)
			}
			if !strings.Contains(got, tt.wantRole) {
				t.Errorf("missing %q in:\n%s", tt.wantRole, got)
			}
		})
	}
}

func TestBuildInstructions_KnowledgeLines(t *testing.T) {
	t.Parallel()
	snap := Builtin(time.Unix(0, 0))
	got := BuildInstructions(DefaultPersona(), Caller{}, snap)

	for _, want := range []string{
		"You are **Ellie Montes**, an **outbound B2B CSR agent** for **WeConnect**.",
		"- A4 Copy Paper (500 sheets) (Price: ₱250, Stock: 1000, Vendor: Manila Office Depot)",
		"- Jasmine Rice (25kg) (Price: ₱1250, Stock: 200, Vendor: Fresh Farms Direct)",
		"- WeConnect Express (Guaranteed 24h Delivery SLA, Rate: 500)",
		"- Supplier Own Fleet (Direct delivery from supplier., Rate: 0)",
		"- Order #ord-1002 (shipped): ₱12500",
		"Never say \"I am an AI\".",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing line %q", want)
		}
	}
}

func TestBuildInstructions_CustomPersona(t *testing.T) {
	t.Parallel()
	p := Persona{Name: "Nina Cruz", Company: "SupplyHub", Currency: "$", Extra: "Mention the promo."}
	snap := Snapshot{Products: []Product{{ID: "x", Name: "Widget", Price: 9.5, Stock: 3, VendorName: "Acme"}}}
	got := BuildInstructions(p, Caller{}, snap)

	for _, want := range []string{
		"SYSTEM PROMPT: NINA CRUZ",
		"for **SupplyHub**",
		"Mention the promo.",
		"- Widget (Price: $9.5, Stock: 3, Vendor: Acme)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestBuildInstructions_Deterministic(t *testing.T) {
	t.Parallel()
	snap := Builtin(time.Unix(0, 0))
	c := Caller{Name: "Admin Staff", Role: RoleAdmin}
	if a, b := BuildInstructions(DefaultPersona(), c, snap), BuildInstructions(DefaultPersona(), c, snap); a != b {
		t.Error("same inputs produced different instructions")
	}
}

func TestPersona_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Persona{Voice: "Puck"}.WithDefaults()
	want := Persona{Name: "Ellie Montes", Company: "WeConnect", Voice: "Puck", Currency: "₱"}
	if got != want {
		t.Errorf("WithDefaults() = %+v, want %+v", got, want)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "buyer", want: RoleBuyer},
		{in: " Vendor ", want: RoleVendor},
		{in: "ADMIN", want: RoleAdmin},
		{in: "courier", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
