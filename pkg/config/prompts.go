package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prompt template files expected in the configuration directory. Each is
// a plain string with well-known placeholders and no other templating:
// extraction embeds {product_category}; consolidation embeds {taxonomy_a}
// and {taxonomy_b}; refinement has no placeholders.
const (
	ExtractionPromptFile    = "extraction_prompt.txt"
	ConsolidationPromptFile = "consolidation_prompt.txt"
	RefinementPromptFile    = "refinement_prompt.txt"
)

// Prompts holds the three loaded prompt templates.
type Prompts struct {
	Extraction    string
	Consolidation string
	Refinement    string
}

// LoadPrompts reads the three prompt template files from configDir.
// A missing or empty file is a startup error.
func LoadPrompts(configDir string) (*Prompts, error) {
	load := func(name string) (string, error) {
		path := filepath.Join(configDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to load prompt template %s: %w", path, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("prompt template %s is empty", path)
		}
		return text, nil
	}

	extraction, err := load(ExtractionPromptFile)
	if err != nil {
		return nil, err
	}
	consolidation, err := load(ConsolidationPromptFile)
	if err != nil {
		return nil, err
	}
	refinement, err := load(RefinementPromptFile)
	if err != nil {
		return nil, err
	}

	return &Prompts{
		Extraction:    extraction,
		Consolidation: consolidation,
		Refinement:    refinement,
	}, nil
}
