// Package directory fetches and caches the operator's remote configuration:
// the system prompt, the VIP directory and the known-business list. The
// document lives behind a spreadsheet webhook and is refreshed on a short TTL
// so edits take effect mid-service without a restart.
package directory

import "strings"

// VIP is one entry of the operator's VIP directory. Callers are matched
// against it by the last ten digits of their caller id.
type VIP struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Relationship  string `json:"relationship"`
	VoiceOverride string `json:"voice_override"`
	PersonaNotes  string `json:"persona_notes"`
	Vibe          string `json:"vibe"`
}

// Business is a known business contact. Rendered into the instruction
// document so the assistant can recognize expected callers.
type Business struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

// Snapshot is one immutable fetch of the remote configuration. Readers share
// snapshots; never mutate one after publication.
type Snapshot struct {
	SystemPrompt string     `json:"system_prompt"`
	VIPs         []VIP      `json:"vips"`
	Businesses   []Business `json:"businesses"`
}

// FindVIPByLast10 returns the first VIP whose phone number shares its last
// ten digits with number, or nil. Both sides are normalized to digits before
// comparison; a number without digits never matches.
func FindVIPByLast10(s *Snapshot, number string) *VIP {
	last10 := normalizeLast10(number)
	if s == nil || last10 == "" {
		return nil
	}
	for i := range s.VIPs {
		if normalizeLast10(s.VIPs[i].Phone) == last10 {
			return &s.VIPs[i]
		}
	}
	return nil
}

// normalizeLast10 mirrors the caller-id normalization used throughout the
// gateway: digits only, last ten kept.
func normalizeLast10(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) > 10 {
		return d[len(d)-10:]
	}
	return d
}
