package types

import (
	"encoding/json"
	"fmt"
)

// partEnvelope wraps a Part with its kind tag for storage. Parts are an
// interface, so decoding needs the tag to pick the concrete variant.
type partEnvelope struct {
	Kind PartKind        `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeParts serializes a part list with kind tags.
func EncodeParts(parts []Part) ([]byte, error) {
	envelopes := make([]partEnvelope, len(parts))
	for i, p := range parts {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s part: %w", p.Kind(), err)
		}
		envelopes[i] = partEnvelope{Kind: p.Kind(), Body: body}
	}
	return json.Marshal(envelopes)
}

// DecodeParts deserializes a part list encoded by EncodeParts.
func DecodeParts(data []byte) ([]Part, error) {
	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to decode part list: %w", err)
	}
	parts := make([]Part, 0, len(envelopes))
	for _, env := range envelopes {
		var p Part
		switch env.Kind {
		case PartText:
			p = &TextPart{}
		case PartReasoning:
			p = &ReasoningPart{}
		case PartTool:
			p = &ToolPart{}
		case PartGoal:
			p = &GoalPart{}
		case PartProgress:
			p = &ProgressPart{}
		case PartTodo:
			p = &TodoPart{}
		default:
			return nil, fmt.Errorf("unknown part kind %q", env.Kind)
		}
		if err := json.Unmarshal(env.Body, p); err != nil {
			return nil, fmt.Errorf("failed to decode %s part: %w", env.Kind, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}
