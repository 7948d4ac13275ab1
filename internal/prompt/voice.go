package prompt

import "strings"

// DefaultAssistantName is the assistant's spoken name when no VIP voice
// override applies.
const DefaultAssistantName = "Trinity"

// DefaultOperatorName is the human the assistant fronts for when no name is
// configured.
const DefaultOperatorName = "Dan"

// FallbackVoice is used when even the configured default voice is not in the
// allowed set.
const FallbackVoice = "sage"

// allowedVoices is the closed set of voice names the model accepts.
var allowedVoices = map[string]bool{
	"alloy":   true,
	"ash":     true,
	"ballad":  true,
	"coral":   true,
	"echo":    true,
	"sage":    true,
	"shimmer": true,
	"verse":   true,
}

// IsAllowedVoice reports whether name is in the closed voice set.
func IsAllowedVoice(name string) bool {
	return allowedVoices[strings.ToLower(strings.TrimSpace(name))]
}

// Selection is the voice decision for one call, locked at session start.
type Selection struct {
	// Voice is the model voice name, always a member of the allowed set.
	Voice string

	// AssistantName is the name the assistant uses for itself on this call.
	AssistantName string
}

// SelectVoice resolves the voice and spoken assistant name for a call.
//
// The operator's default voice applies unless the matched VIP carries an
// override: a named voice from the allowed set is used directly, the legacy
// values "male" and "female" map to the configured male voice and the
// default voice respectively, and anything unrecognized falls back to the
// default. The assistant introduces itself as "Trinity" except when an
// override applied, in which case the spoken name is the title-cased voice
// name ("ballad" becomes "Ballad").
func SelectVoice(defaultVoice, maleVoice, override string) Selection {
	def := strings.ToLower(strings.TrimSpace(defaultVoice))
	if !allowedVoices[def] {
		def = FallbackVoice
	}
	male := strings.ToLower(strings.TrimSpace(maleVoice))
	if !allowedVoices[male] {
		male = def
	}

	ov := strings.ToLower(strings.TrimSpace(override))
	switch {
	case ov == "":
		return Selection{Voice: def, AssistantName: DefaultAssistantName}
	case ov == "male":
		return Selection{Voice: male, AssistantName: titleCase(male)}
	case ov == "female":
		return Selection{Voice: def, AssistantName: titleCase(def)}
	case allowedVoices[ov]:
		return Selection{Voice: ov, AssistantName: titleCase(ov)}
	default:
		return Selection{Voice: def, AssistantName: DefaultAssistantName}
	}
}

// titleCase upper-cases the first letter of an ASCII voice name.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
