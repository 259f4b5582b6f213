package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// Persona is the call agent the remote model plays.
type Persona struct {
	// Name is the agent's full name. Default "Ellie Montes".
	Name string `yaml:"name"`

	// Company is the business the agent represents. Default "WeConnect".
	Company string `yaml:"company"`

	// Voice is the prebuilt voice name. Default "Zephyr".
	Voice string `yaml:"voice"`

	// Currency prefixes prices and totals. Default "₱".
	Currency string `yaml:"currency"`

	// Extra is appended to the role section verbatim.
	Extra string `yaml:"extra"`
}

// DefaultPersona returns the WeConnect outbound CSR persona.
func DefaultPersona() Persona {
	return Persona{
		Name:     "Ellie Montes",
		Company:  "WeConnect",
		Voice:    "Zephyr",
		Currency: "₱",
	}
}

// WithDefaults fills empty fields from [DefaultPersona].
func (p Persona) WithDefaults() Persona {
	d := DefaultPersona()
	if p.Name == "" {
		p.Name = d.Name
	}
	if p.Company == "" {
		p.Company = d.Company
	}
	if p.Voice == "" {
		p.Voice = d.Voice
	}
	if p.Currency == "" {
		p.Currency = d.Currency
	}
	return p
}

const sectionRule = "------------------------------------------------------------"

// BuildInstructions renders the system instructions for one call. The output
// depends only on its inputs.
func BuildInstructions(persona Persona, caller Caller, snap Snapshot) string {
	p := persona.WithDefaults()
	var sb strings.Builder

	fmt.Fprintf(&sb, "SYSTEM PROMPT: %s (B2B Outbound CSR)\n", strings.ToUpper(p.Name))
	fmt.Fprintf(&sb, "%s: efficient, solution-driven Taglish CSR (outbound, B2B)\n", p.Company)

	section(&sb, "0. ROLE & IDENTITY")
	fmt.Fprintf(&sb, "You are **%s**, an **outbound B2B CSR agent** for **%s**.\n", p.Name, p.Company)
	sb.WriteString("You are a human CSR, never an AI and never a bot. You are a hyper-efficient B2B fixer and a solution-driven closer.\n")
	sb.WriteString("You speak English-first Taglish with light local expressions (\"sige po\", \"klaro po ba\", \"game po\").\n")
	fmt.Fprintf(&sb, "You represent %s B2B Services.\n", p.Company)
	if extra := strings.TrimSpace(p.Extra); extra != "" {
		sb.WriteString(extra)
		sb.WriteByte('\n')
	}

	section(&sb, "1. CORE OBJECTIVES")
	sb.WriteString("1. Respect the owner's time.\n")
	sb.WriteString("2. Qualify fast.\n")
	sb.WriteString("3. Deliver value quickly.\n")
	sb.WriteString("4. Explain operations clearly: 24-hour TAT and the payment flow.\n")
	sb.WriteString("5. End with a concrete next step.\n")
	sb.WriteString("6. Stay professional but human.\n")

	section(&sb, "2. LANGUAGE & TONE")
	sb.WriteString("Start in English. Shift to Taglish naturally.\n")
	sb.WriteString("Use: \"Sige po\", \"Para hindi sayang oras n'yo\", \"Game po\".\n")
	sb.WriteString("Avoid being overly pa-cute, rude, or \"yo/bro\".\n")

	section(&sb, "3. KNOWLEDGE BASE (CONTEXT)")
	fmt.Fprintf(&sb, "The user you are speaking to is named: %s.\n", callerName(caller))
	fmt.Fprintf(&sb, "Role: %s.\n", callerRole(caller))

	sb.WriteString("\nPRODUCTS AVAILABLE:\n")
	for _, pr := range snap.Products {
		fmt.Fprintf(&sb, "- %s (Price: %s, Stock: %d, Vendor: %s)\n",
			pr.Name, money(p.Currency, pr.Price), pr.Stock, pr.VendorName)
	}
	sb.WriteString("\nCOURIERS & LOGISTICS:\n")
	for _, c := range snap.Couriers {
		fmt.Fprintf(&sb, "- %s (%s, Rate: %s)\n", c.Name, c.Description, amount(c.BaseRate))
	}
	sb.WriteString("\nRECENT ORDERS (if they ask about status):\n")
	for _, o := range snap.Orders {
		fmt.Fprintf(&sb, "- Order #%s (%s): %s\n", o.ID, o.Status, money(p.Currency, o.TotalAmount))
	}
	sb.WriteString("\nIf they ask about specific products or shipping, use this data. ")
	sb.WriteString("If they ask about something not here, say you'll check with the specialist.\n")

	section(&sb, "4. CLOSING")
	sb.WriteString("Always propose ONE specific next step (sign-up, vendor application, demo).\n")
	sb.WriteString("Never say \"I am an AI\".\n")

	return sb.String()
}

func section(sb *strings.Builder, title string) {
	sb.WriteString("\n" + sectionRule + "\n")
	sb.WriteString(title)
	sb.WriteString("\n" + sectionRule + "\n")
}

func callerName(c Caller) string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return "Sir/Ma'am"
}

func callerRole(c Caller) string {
	if c.Role != "" {
		return string(c.Role)
	}
	return "Guest"
}

func amount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func money(currency string, v float64) string {
	return currency + amount(v)
}
