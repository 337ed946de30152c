package vector

import (
	"encoding/binary"
	"math"
	"time"

	"codescout/internal/types"
)

// Well-known metadata keys and fragment types.
const (
	MetaType       = "type"
	MetaProjectKey = "projectKey"

	TypeCodeSummary      = "code_summary"
	TypeLearningRecord   = "learning_record"
	TypeProjectStructure = "project_structure"
	TypeTechStack        = "tech_stack"
	TypeAPIEntries       = "api_entries"
	TypeDBEntities       = "db_entities"
	TypeEnums            = "enums"
	TypeCommonClasses    = "common_classes"
	TypeXMLConfigs       = "xml_configs"
	TypeBusinessProcess  = "business_process"
)

// Fragment is one row of the tiered store: a stable id, a fixed-dimension
// vector, and the payload text/metadata it indexes. Metadata always carries
// projectKey; id uniquely keys the record across all tiers.
type Fragment struct {
	ID          string            `json:"id"`
	ProjectKey  string            `json:"project_key"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	FullContent string            `json:"full_content,omitempty"`
	Vector      []float32         `json:"vector"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Type returns the fragment's metadata type, or "".
func (f *Fragment) Type() string {
	if f.Metadata == nil {
		return ""
	}
	return f.Metadata[MetaType]
}

// HasTag reports whether the fragment carries the given tag.
func (f *Fragment) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SearchResult pairs a fragment with its similarity score in [0, 1].
type SearchResult struct {
	Fragment *Fragment
	Score    float64
}

// EncodeVector serializes a vector as little-endian float32 bytes, the
// layout both sqlite-vec and the pure-Go distance function consume.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes a little-endian float32 blob.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, types.ErrDimensionMismatch
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// CosineSimilarity computes cosine similarity between equal-length vectors.
// Returns 0 for zero-norm inputs.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, types.ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		af := float64(a[i])
		bf := float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
