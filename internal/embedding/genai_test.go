package embedding

import "testing"

func TestNewGenAIEngineRequiresKey(t *testing.T) {
	if _, err := NewGenAIEngine("", "gemini-embedding-001", 768); err == nil {
		t.Fatal("empty API key accepted")
	}
}

func TestGenAIEngineIdentity(t *testing.T) {
	e := &GenAIEngine{model: "gemini-embedding-001", dimension: 768}
	if e.Name() != "genai:gemini-embedding-001" {
		t.Fatalf("unexpected name: %s", e.Name())
	}
	if e.Dimensions() != 768 {
		t.Fatalf("unexpected dimension: %d", e.Dimensions())
	}

	// Compile-level contract: the genai engine satisfies Engine.
	var _ Engine = e
}
