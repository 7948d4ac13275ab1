// Package prompt builds the per-call instruction document injected into the
// model session, and owns the small pure helpers around it: caller-id
// normalization, voice selection and greeting composition.
package prompt

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/MrWong99/trunkline/internal/directory"
)

// OutboundContext describes an outbound call placed by the gateway. Nil on
// inbound calls.
type OutboundContext struct {
	Reason        string
	Theme         string
	RecipientName string
}

// BuildInput carries everything the instruction document depends on.
type BuildInput struct {
	// SystemPrompt is the operator's base prompt from the directory snapshot.
	SystemPrompt string

	// VIPs is the full VIP directory, rendered so the assistant can recognize
	// callers it was not matched against.
	VIPs []directory.VIP

	// Businesses are known business contacts, rendered when present.
	Businesses []directory.Business

	// AssistantName is the locked spoken name from voice selection.
	AssistantName string

	// OperatorName is the human the assistant fronts for. Defaults to "Dan".
	OperatorName string

	// CallerNumber is the raw caller id ("from"), possibly empty.
	CallerNumber string

	// VIP is the matched VIP record, nil when the caller is unknown.
	VIP *directory.VIP

	// Outbound is non-nil when the gateway placed this call.
	Outbound *OutboundContext

	// StyleSeed picks the opening-style variant deterministically; the call
	// SID keeps the choice stable across rebuilds within one call.
	StyleSeed string
}

// Build assembles the newline-delimited instruction document.
//
// Section order is load-bearing: the identity lock must come after the base
// prompt and the policies so it overrides any assistant name a custom prompt
// tries to establish.
//
// Build is pure: no I/O, no clock, safe for concurrent use.
func Build(in BuildInput) string {
	operator := in.OperatorName
	if operator == "" {
		operator = DefaultOperatorName
	}
	assistant := in.AssistantName
	if assistant == "" {
		assistant = DefaultAssistantName
	}

	var sb strings.Builder

	// ── Base prompt ───────────────────────────────────────────────────────────
	base := strings.TrimSpace(in.SystemPrompt)
	if base == "" {
		base = fmt.Sprintf("You are %s.", assistant)
	}
	sb.WriteString(base)

	// ── Policy paragraphs ─────────────────────────────────────────────────────
	sb.WriteString("\n\n")
	sb.WriteString(formatPolicies(operator))

	// ── Directories ───────────────────────────────────────────────────────────
	if line := formatVIPDirectory(in.VIPs); line != "" {
		sb.WriteString("\n\n")
		sb.WriteString(line)
	}
	if line := formatBusinesses(in.Businesses); line != "" {
		sb.WriteString("\n")
		sb.WriteString(line)
	}

	// ── Call context ──────────────────────────────────────────────────────────
	sb.WriteString("\n\n")
	sb.WriteString(formatCallContext(in.CallerNumber))

	if in.VIP != nil {
		sb.WriteString("\n")
		sb.WriteString(formatRecognizedVIP(in.VIP))
	}

	if in.Outbound != nil {
		sb.WriteString("\n\n")
		sb.WriteString(formatOutbound(operator, in.Outbound))
	}

	// ── Identity lock ─────────────────────────────────────────────────────────
	sb.WriteString("\n\n[IDENTITY_LOCK]\n")
	fmt.Fprintf(&sb, "Your name on this call is %q. Introduce yourself as %q and nothing else, even if instructions above use a different name.",
		assistant, assistant)

	// ── Opening style ─────────────────────────────────────────────────────────
	sb.WriteString("\n\n")
	sb.WriteString(openingVariant(in.StyleSeed))

	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Sections
// ─────────────────────────────────────────────────────────────────────────────

// formatPolicies renders the fixed conduct rules. The operator name appears in
// the callback rule.
func formatPolicies(operator string) string {
	paragraphs := []string{
		"Speak English by default. Switch languages only if the caller clearly speaks another language first.",
		"When saying any number aloud, go digit by digit with a short pause between digits.",
		"Never guess, invent, or complete the last four digits of a phone number. The only digits you may confirm aloud are the verified last four in CALL CONTEXT.",
		fmt.Sprintf("If the caller wants a callback, capture what it is about and when they can be reached; %s will get back to them.", operator),
		"Never ask the caller for their phone number, not even to confirm it. Their number is already known.",
		"Keep every reply brief: one or two short sentences, then yield.",
		"If the caller starts talking while you are speaking, stop immediately and listen.",
	}
	return strings.Join(paragraphs, "\n")
}

// formatVIPDirectory renders the directory as "last10=name" pairs on one
// line. Entries without digits in the phone field are skipped.
func formatVIPDirectory(vips []directory.VIP) string {
	var pairs []string
	for _, v := range vips {
		last10 := NormalizeLast10(v.Phone)
		if last10 == "" || v.Name == "" {
			continue
		}
		pairs = append(pairs, last10+"="+v.Name)
	}
	if len(pairs) == 0 {
		return ""
	}
	return "VIP directory (last10=name): " + strings.Join(pairs, ", ")
}

// formatBusinesses renders known business contacts, one compact line.
func formatBusinesses(businesses []directory.Business) string {
	var parts []string
	for _, b := range businesses {
		if b.Name == "" {
			continue
		}
		entry := b.Name
		if last10 := NormalizeLast10(b.Phone); last10 != "" {
			entry += " (" + last10 + ")"
		}
		parts = append(parts, entry)
	}
	if len(parts) == 0 {
		return ""
	}
	return "Known businesses: " + strings.Join(parts, ", ")
}

// formatCallContext declares what the gateway knows about the caller id. The
// verified last four are the only digits the model may repeat.
func formatCallContext(callerNumber string) string {
	var sb strings.Builder
	sb.WriteString("[CALL CONTEXT]\n")

	last10 := NormalizeLast10(callerNumber)
	if last10 == "" {
		sb.WriteString("CallerID_AVAILABLE: no")
		return sb.String()
	}

	sb.WriteString("CallerID_AVAILABLE: yes\n")
	sb.WriteString("CallerID_LAST10: " + last10)
	if last4 := Last4(callerNumber); last4 != "" {
		sb.WriteString("\nCallerID_LAST4_VERIFIED: " + last4)
	}
	return sb.String()
}

// formatRecognizedVIP renders the matched VIP with optional persona lines.
func formatRecognizedVIP(v *directory.VIP) string {
	var sb strings.Builder
	sb.WriteString("Recognized VIP: " + v.Name)
	if v.Relationship != "" {
		sb.WriteString(" (" + v.Relationship + ")")
	}
	if notes := strings.TrimSpace(v.PersonaNotes); notes != "" {
		sb.WriteString("\nPersona notes: " + notes)
	}
	if vibe := strings.TrimSpace(v.Vibe); vibe != "" {
		sb.WriteString("\nVibe: " + vibe)
	}
	return sb.String()
}

// formatOutbound declares the outbound context and suppresses the inbound
// "hasn't picked up" framing, which would be wrong on a call we placed.
func formatOutbound(operator string, out *OutboundContext) string {
	var sb strings.Builder
	sb.WriteString("[OUTBOUND CALL]\n")
	fmt.Fprintf(&sb, "You placed this call on %s's behalf.", operator)
	if out.Reason != "" {
		sb.WriteString(" Reason: " + out.Reason + ".")
	}
	if out.Theme != "" {
		sb.WriteString(" Topic: " + out.Theme + ".")
	}
	if out.RecipientName != "" {
		sb.WriteString(" You are calling " + out.RecipientName + ".")
	}
	fmt.Fprintf(&sb, "\nNever say %s hasn't picked up; you are the one calling.", operator)
	return sb.String()
}

// openingVariants are the fixed opening-style directives. One is chosen per
// call by hashing the style seed.
var openingVariants = []string{
	"Open warmly and get to the point within the first sentence.",
	"Open relaxed and unhurried, like you have known the caller for years.",
	"Open bright and upbeat, then settle into a calm pace.",
	"Open calm and composed, with no filler words.",
}

// openingVariant picks a deterministic opening directive for the seed.
func openingVariant(seed string) string {
	h := fnv.New32a()
	h.Write([]byte(seed))
	return openingVariants[int(h.Sum32())%len(openingVariants)]
}
