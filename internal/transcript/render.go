package transcript

import (
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
)

// DefaultCoalesceWindow is how close two same-speaker fragments must be to
// merge into one turn.
const DefaultCoalesceWindow = 2000 * time.Millisecond

// Render interleaves entries into a readable document. Entries are sorted by
// timestamp, adjacent same-role entries closer than window merge into a
// single turn, and each turn becomes a "<Role>:\n<text>" block; blocks are
// separated by blank lines.
//
// Merged fragments join with a single space, except after a fragment ending
// in "-", where the word was split mid-token and the halves join directly.
func Render(entries []call.Entry, window time.Duration) string {
	if len(entries) == 0 {
		return ""
	}
	if window <= 0 {
		window = DefaultCoalesceWindow
	}

	sorted := make([]call.Entry, len(entries))
	copy(sorted, entries)
	slices.SortStableFunc(sorted, func(a, b call.Entry) int {
		return a.At.Compare(b.At)
	})

	var sb strings.Builder
	turnRole := sorted[0].Role
	turnText := sorted[0].Text
	lastAt := sorted[0].At

	flush := func() {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(roleLabel(turnRole))
		sb.WriteString(":\n")
		sb.WriteString(turnText)
	}

	for _, e := range sorted[1:] {
		if e.Role == turnRole && e.At.Sub(lastAt) <= window {
			turnText = joinFragments(turnText, e.Text)
		} else {
			flush()
			turnRole = e.Role
			turnText = e.Text
		}
		lastAt = e.At
	}
	flush()

	return sb.String()
}

// joinFragments appends next to prev with the fragment-join rule.
func joinFragments(prev, next string) string {
	if strings.HasSuffix(prev, "-") {
		return prev + next
	}
	return prev + " " + next
}

// roleLabel renders the speaker heading.
func roleLabel(r call.Role) string {
	switch r {
	case call.RoleCaller:
		return "Caller"
	case call.RoleAssistant:
		return "Assistant"
	}
	return string(r)
}
