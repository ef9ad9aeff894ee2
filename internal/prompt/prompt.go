// Package prompt builds the receptionist system prompt for a vertical, channel and set of
// feature overrides. Output is a pure function of its inputs.
package prompt

import (
	"fmt"
	"strings"
)

// Feature override keys recognised in a scenario's config_overrides.
const (
	FeatureAppointmentBooking  = "appointmentBooking"
	FeatureEmergencyEscalation = "emergencyEscalation"
	FeatureTransferToHuman     = "transferToHuman"
	FeaturePriceQuoting        = "priceQuoting"
)

// Off is the only override value that disables a feature.
const Off = "OFF"

// Compliance categories a vertical can fall into.
const (
	ComplianceNone    = ""
	ComplianceLegal   = "legal"
	ComplianceMedical = "medical"
)

// Catalog holds the static vertical tables. The zero value labels every vertical with the
// empty string and applies no compliance rules; use NewCatalog.
type Catalog struct {
	defaultName string
	names       map[int]string
	legal       map[int]struct{}
	medical     map[int]struct{}
}

// NewCatalog copies the given tables so later mutation by the caller has no effect.
// An id listed as both legal and medical is treated as legal.
func NewCatalog(defaultName string, names map[int]string, legal, medical []int) Catalog {
	c := Catalog{
		defaultName: defaultName,
		names:       make(map[int]string, len(names)),
		legal:       make(map[int]struct{}, len(legal)),
		medical:     make(map[int]struct{}, len(medical)),
	}
	for id, name := range names {
		c.names[id] = name
	}
	for _, id := range legal {
		c.legal[id] = struct{}{}
	}
	for _, id := range medical {
		if _, ok := c.legal[id]; ok {
			continue
		}
		c.medical[id] = struct{}{}
	}
	return c
}

// Name resolves a vertical id to its display name; nil means generic.
func (c Catalog) Name(verticalID *int) string {
	id := resolveID(verticalID)
	if name, ok := c.names[id]; ok {
		return name
	}
	return c.defaultName
}

// Compliance returns the compliance category of a vertical.
func (c Catalog) Compliance(verticalID *int) string {
	id := resolveID(verticalID)
	if _, ok := c.legal[id]; ok {
		return ComplianceLegal
	}
	if _, ok := c.medical[id]; ok {
		return ComplianceMedical
	}
	return ComplianceNone
}

// Generate renders the system prompt.
func (c Catalog) Generate(verticalID *int, channel string, overrides map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI receptionist for a %s business. Be friendly, professional, and helpful.\n", c.Name(verticalID))

	switch channel {
	case "phone":
		b.WriteString("\nCHANNEL: PHONE\n")
		b.WriteString("- Keep responses brief and conversational; callers are listening, not reading.\n")
		b.WriteString("- Focus on essential information only. Ask one question at a time.\n")
	case "sms":
		b.WriteString("\nCHANNEL: SMS\n")
		b.WriteString("- Aim for 160 characters or fewer per message.\n")
		b.WriteString("- Be extremely concise. No lists, no greetings beyond a few words.\n")
	}

	switch c.Compliance(verticalID) {
	case ComplianceLegal:
		b.WriteString("\nLEGAL COMPLIANCE (MANDATORY):\n")
		b.WriteString("- NEVER provide legal advice or interpret the law for the caller.\n")
		b.WriteString("- NEVER predict case outcomes or say whether the caller will win.\n")
		b.WriteString("- NEVER guarantee settlements, verdicts, or amounts.\n")
		b.WriteString("- ALWAYS recommend the caller consult an attorney for advice on their situation.\n")
		b.WriteString("- Your role is intake only: collect contact details and a short description of the matter.\n")
	case ComplianceMedical:
		b.WriteString("\nMEDICAL COMPLIANCE (MANDATORY):\n")
		b.WriteString("- NEVER provide medical diagnosis or treatment recommendations.\n")
		b.WriteString("- NEVER suggest medications, dosages, or procedures.\n")
		b.WriteString("- ALWAYS recommend the caller speak with a licensed professional about symptoms.\n")
		b.WriteString("- If symptoms sound urgent, tell the caller to contact emergency services.\n")
		b.WriteString("- Your role is intake and scheduling only.\n")
	}

	b.WriteString("\nFEATURE CONFIGURATION:\n")
	if disabled(overrides, FeatureAppointmentBooking) {
		b.WriteString("- Appointment Booking DISABLED: do not book or promise appointments. Take a message and say the team will call back to schedule.\n")
	} else {
		b.WriteString("- Appointment Booking ENABLED: offer to book appointments using the book_appointment tool.\n")
	}
	if disabled(overrides, FeatureEmergencyEscalation) {
		b.WriteString("- Emergency Escalation DISABLED: do not dispatch anyone. Capture details and advise calling 911 for life-threatening situations.\n")
	} else {
		b.WriteString("- Emergency Escalation ENABLED: for urgent situations use the dispatch_emergency tool.\n")
	}
	if disabled(overrides, FeatureTransferToHuman) {
		b.WriteString("- Human Transfer DISABLED: do not offer to transfer the call. Offer a callback instead.\n")
	} else {
		b.WriteString("- Human Transfer ENABLED: if the caller asks for a person, use the transfer_to_human tool.\n")
	}
	if disabled(overrides, FeaturePriceQuoting) {
		b.WriteString("- Price Quoting DISABLED: never quote prices or estimates. Explain that pricing is provided after an assessment.\n")
	} else {
		b.WriteString("- Price Quoting ENABLED: give general price ranges with the quote_price tool and note final pricing may vary.\n")
	}

	b.WriteString("\nSAFETY RULES (ALWAYS APPLY):\n")
	b.WriteString("- NEVER give do-it-yourself instructions for hazardous work (gas, electrical, structural, chemical).\n")
	b.WriteString("- NEVER guarantee outcomes, results, or timelines.\n")
	b.WriteString("- NEVER make commitments on behalf of the business that you are not authorized to make.\n")
	b.WriteString("- ALWAYS capture the caller's name, phone number, and reason for contacting us.\n")
	return b.String()
}

func disabled(overrides map[string]string, key string) bool {
	return overrides[key] == Off
}

func resolveID(verticalID *int) int {
	if verticalID == nil {
		return 0
	}
	return *verticalID
}
