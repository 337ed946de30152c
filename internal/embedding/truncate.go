package embedding

import "strings"

// Truncation strategies. SMART prefers paragraph boundaries, then sentence
// boundaries, before giving up and cutting mid-text.
const (
	StrategyHead   = "head"
	StrategyTail   = "tail"
	StrategyMiddle = "middle"
	StrategySmart  = "smart"
)

// TruncationHistory records how an adaptive-truncation episode went: how many
// attempts were made and how far the input shrank.
type TruncationHistory struct {
	Success        bool   `json:"success"`
	Steps          int    `json:"steps"`
	OriginalLength int    `json:"original_length"`
	FinalLength    int    `json:"final_length"`
	Strategy       string `json:"strategy"`
}

// Truncate shortens text to at most target chars using the given strategy.
// Text already within target is returned unchanged.
func Truncate(text string, target int, strategy string) string {
	if target <= 0 || len(text) <= target {
		return text
	}
	switch strategy {
	case StrategyTail:
		return text[len(text)-target:]
	case StrategyMiddle:
		return truncateMiddle(text, target)
	case StrategySmart:
		return truncateSmart(text, target)
	default:
		return text[:target]
	}
}

// truncateMiddle keeps the head and tail halves joined by an ellipsis.
func truncateMiddle(text string, target int) string {
	const ellipsis = "..."
	if target <= len(ellipsis) {
		return text[:target]
	}
	half := (target - len(ellipsis)) / 2
	rest := target - len(ellipsis) - half
	return text[:half] + ellipsis + text[len(text)-rest:]
}

// truncateSmart cuts at the last paragraph break before target, falling back
// to the last sentence end, then to a hard cut.
func truncateSmart(text string, target int) string {
	head := text[:target]
	if idx := strings.LastIndex(head, "\n\n"); idx >= target/2 {
		return head[:idx]
	}
	if idx := strings.LastIndex(head, ". "); idx >= target/2 {
		return head[:idx+1]
	}
	return head
}
