package segmentation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Diagnostic is the structured validation outcome handed to the retry
// prompt builder and asserted on in tests. Validation failures are data,
// not errors.
type Diagnostic struct {
	ParseError       string   `json:"error,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	MissingIDs       []string `json:"missing_ids,omitempty"`
	ExtraIDs         []string `json:"extra_ids,omitempty"`
}

// OK reports whether the diagnostic is empty.
func (d *Diagnostic) OK() bool {
	return d.ParseError == "" && len(d.ValidationErrors) == 0 &&
		len(d.MissingIDs) == 0 && len(d.ExtraIDs) == 0
}

// String renders the diagnostic for the retry prompt.
func (d *Diagnostic) String() string {
	var b strings.Builder
	if d.ParseError != "" {
		fmt.Fprintf(&b, "Parse error: %s\n", d.ParseError)
	}
	if len(d.ValidationErrors) > 0 {
		b.WriteString("Validation errors:\n")
		for _, e := range d.ValidationErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if len(d.MissingIDs) > 0 {
		fmt.Fprintf(&b, "Missing IDs: %s\n", strings.Join(d.MissingIDs, ", "))
	}
	if len(d.ExtraIDs) > 0 {
		fmt.Fprintf(&b, "Extra IDs: %s\n", strings.Join(d.ExtraIDs, ", "))
	}
	return b.String()
}

// ExtractJSONObject locates the first top-level JSON object in raw by
// brace matching from the first '{'. LLM responses routinely wrap the
// payload in prose or code fences.
func ExtractJSONObject(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in response")
}

// categoryPayload is one segment entry in an extraction or consolidation
// response: {"definition": "...", "ids": [...]}.
type categoryPayload struct {
	Definition *string `json:"definition"`
	IDs        *[]any  `json:"ids"`
}

// ParsedTaxonomy maps segment name to definition plus raw id values.
type ParsedTaxonomy map[string]ParsedCategory

// ParsedCategory is one validated segment.
type ParsedCategory struct {
	Definition string
	IDs        []string
}

// parseTaxonomyObject decodes the shared {name: {definition, ids}} shape,
// reporting structural problems into diag. Individual id coercion is left
// to the stage validators.
func parseTaxonomyObject(text string) (map[string]categoryPayload, *Diagnostic) {
	diag := &Diagnostic{}
	snippet, err := ExtractJSONObject(text)
	if err != nil {
		diag.ParseError = err.Error()
		return nil, diag
	}

	var payload map[string]categoryPayload
	if err := json.Unmarshal([]byte(snippet), &payload); err != nil {
		diag.ParseError = fmt.Sprintf("could not parse JSON: %v", err)
		return nil, diag
	}
	return payload, diag
}

// ValidateExtraction checks an extraction response against the batch's
// positional id set {0..batchSize-1}: well-formed categories, integer
// ids, no duplicates, full coverage. Returns the parsed taxonomy when
// valid.
func ValidateExtraction(text string, batchSize int) (ParsedTaxonomy, *Diagnostic) {
	payload, diag := parseTaxonomyObject(text)
	if diag.ParseError != "" {
		return nil, diag
	}

	found := make(map[int]bool)
	result := make(ParsedTaxonomy, len(payload))

	for name, data := range payload {
		if data.Definition == nil {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("category %q missing definition", name))
		}
		if data.IDs == nil {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("category %q missing ids", name))
			continue
		}

		cat := ParsedCategory{}
		if data.Definition != nil {
			cat.Definition = *data.Definition
		}
		for _, raw := range *data.IDs {
			id, ok := coerceInt(raw)
			if !ok {
				diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("invalid id %v: must be an integer", raw))
				continue
			}
			if found[id] {
				diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("duplicate id %d", id))
				continue
			}
			found[id] = true
			cat.IDs = append(cat.IDs, strconv.Itoa(id))
		}
		result[name] = cat
	}

	for i := 0; i < batchSize; i++ {
		if !found[i] {
			diag.MissingIDs = append(diag.MissingIDs, strconv.Itoa(i))
		}
	}
	for id := range found {
		if id < 0 || id >= batchSize {
			diag.ExtraIDs = append(diag.ExtraIDs, strconv.Itoa(id))
		}
	}
	sortIDs(diag.MissingIDs)
	sortIDs(diag.ExtraIDs)

	if !diag.OK() {
		return nil, diag
	}
	return result, diag
}

// ValidateConsolidation checks a merge response: every synthetic A_i/B_j
// id appears exactly once across the merged output, no unknown ids, no
// duplicates. Returns the parsed taxonomy when valid.
func ValidateConsolidation(text string, expectedIDs map[string]bool) (ParsedTaxonomy, *Diagnostic) {
	payload, diag := parseTaxonomyObject(text)
	if diag.ParseError != "" {
		return nil, diag
	}

	found := make(map[string]bool)
	result := make(ParsedTaxonomy, len(payload))

	for name, data := range payload {
		if data.Definition == nil {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("category %q missing definition", name))
		}
		if data.IDs == nil {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("category %q missing ids", name))
			continue
		}

		cat := ParsedCategory{}
		if data.Definition != nil {
			cat.Definition = *data.Definition
		}
		for _, raw := range *data.IDs {
			id, ok := raw.(string)
			if !ok {
				diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("invalid id %v: must be a string", raw))
				continue
			}
			if !strings.HasPrefix(id, "A_") && !strings.HasPrefix(id, "B_") {
				diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("invalid id %q: must start with A_ or B_", id))
				continue
			}
			if found[id] {
				diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("duplicate id %s", id))
				continue
			}
			found[id] = true
			cat.IDs = append(cat.IDs, id)
		}
		result[name] = cat
	}

	for id := range expectedIDs {
		if !found[id] {
			diag.MissingIDs = append(diag.MissingIDs, id)
		}
	}
	for id := range found {
		if !expectedIDs[id] {
			diag.ExtraIDs = append(diag.ExtraIDs, id)
		}
	}
	sort.Strings(diag.MissingIDs)
	sort.Strings(diag.ExtraIDs)

	if !diag.OK() {
		return nil, diag
	}
	return result, diag
}

// ValidateRefinement checks a reassignment response {"P_i": "S_j", ...}.
// An empty object means no changes. Missing P_i keys mean keep current
// and are not an error; unknown or duplicate ids are. Returns the
// reassignment mapping when valid.
func ValidateRefinement(text string, batchProductIDs, validSegmentIDs map[string]bool) (map[string]string, *Diagnostic) {
	diag := &Diagnostic{}
	snippet, err := ExtractJSONObject(text)
	if err != nil {
		diag.ParseError = err.Error()
		return nil, diag
	}

	var mapping map[string]string
	if err := json.Unmarshal([]byte(snippet), &mapping); err != nil {
		diag.ParseError = fmt.Sprintf("JSON root must be an object mapping P_i to S_j: %v", err)
		return nil, diag
	}

	// The map keeps only the last of repeated keys; scan tokens for them.
	dec := json.NewDecoder(strings.NewReader(snippet))
	seen := make(map[string]bool)
	for _, err := dec.Token(); err == nil && dec.More(); {
		keyTok, _ := dec.Token()
		key, _ := keyTok.(string)
		if seen[key] {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("duplicate product id %q", key))
		}
		seen[key] = true
		var value json.RawMessage
		err = dec.Decode(&value)
	}

	for prodID, segID := range mapping {
		if !batchProductIDs[prodID] {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("unknown product id %q not in batch", prodID))
		}
		if !validSegmentIDs[segID] {
			diag.ValidationErrors = append(diag.ValidationErrors, fmt.Sprintf("unknown segment id %q", segID))
		}
	}

	if !diag.OK() {
		return nil, diag
	}
	return mapping, diag
}

func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		id, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
}
