package segmentation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// renderExtractionPrompt embeds the product category verbatim and appends
// the positional-index block: one "[i] title" line per product in batch
// order. Positional indices map back to product ids via that ordering.
func renderExtractionPrompt(template, category string, batch []int64, titles map[int64]string) string {
	base := strings.ReplaceAll(template, "{product_category}", category)

	var b strings.Builder
	for i, pid := range batch {
		title := titles[pid]
		if title == "" {
			title = fmt.Sprintf("Product %d", pid)
		}
		fmt.Fprintf(&b, "[%d] %s\n", i, title)
	}
	return base + "\n\n" + strings.TrimRight(b.String(), "\n")
}

// consolidationSide is the {name: {definition, ids}} rewrite of one half,
// with synthetic ids preserving provenance.
type consolidationSide map[string]struct {
	Definition string   `json:"definition"`
	IDs        []string `json:"ids"`
}

// renderConsolidationPrompt substitutes both halves into the template as
// pretty-printed JSON.
func renderConsolidationPrompt(template string, a, b consolidationSide) string {
	aJSON, _ := json.MarshalIndent(a, "", "  ")
	bJSON, _ := json.MarshalIndent(b, "", "  ")
	out := strings.ReplaceAll(template, "{taxonomy_a}", string(aJSON))
	return strings.ReplaceAll(out, "{taxonomy_b}", string(bJSON))
}

// renderSubcategoriesSection numbers the consolidated taxonomy S_0..S_{k-1}
// with name and definition, returning the section text plus both
// direction mappings.
func renderSubcategoriesSection(segments []consolidatedSegment) (string, map[string]string, map[string]string) {
	nameToID := make(map[string]string, len(segments))
	idToName := make(map[string]string, len(segments))

	var b strings.Builder
	b.WriteString("**SUBCATEGORIES:**\n")
	for i, seg := range segments {
		subID := fmt.Sprintf("S_%d", i)
		nameToID[seg.Name] = subID
		idToName[subID] = seg.Name
		fmt.Fprintf(&b, "[%s] %s: %s\n", subID, seg.Name, seg.Definition)
	}
	return b.String(), nameToID, idToName
}

// renderProductsSection lists each product in the refinement batch as
// "[P_i] title → S_j (current_name)". P indices are batch-local starting
// at zero.
func renderProductsSection(batch []refinementProduct) (string, map[string]int64) {
	idToProduct := make(map[string]int64, len(batch))

	var b strings.Builder
	b.WriteString("\n**PRODUCTS WITH CURRENT ASSIGNMENTS:**\n")
	for i, p := range batch {
		prodID := fmt.Sprintf("P_%d", i)
		idToProduct[prodID] = p.ProductID
		fmt.Fprintf(&b, "[%s] %s → %s (%s)\n", prodID, p.Title, p.CurrentSegmentID, p.CurrentSegmentName)
	}
	return b.String(), idToProduct
}

// renderRetryPrompt appends the validator's diagnostic after the whole
// original prompt so the second attempt sees what went wrong.
func renderRetryPrompt(originalPrompt string, diagnostic any) string {
	detail := ""
	switch d := diagnostic.(type) {
	case *Diagnostic:
		detail = d.String()
	case string:
		detail = d
	default:
		if encoded, err := json.Marshal(diagnostic); err == nil {
			detail = string(encoded)
		}
	}
	return originalPrompt +
		"\n\nPREVIOUS ATTEMPT FAILED:\n" + detail +
		"\nPlease fix these issues and provide valid JSON.\n"
}
