package extraction

import (
	"regexp"
	"strings"
)

// ParseError reports an OCR response that has no recognizable structure
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parsing ocr response: " + e.Reason
}

var (
	separatorCell    = regexp.MustCompile(`^:?-{2,}:?$`)
	listMarker       = regexp.MustCompile(`^(?:[-*+•]|\d+[.)])\s+`)
	headingMarker    = regexp.MustCompile(`^#{1,6}\s*`)
	parenthetical    = regexp.MustCompile(`\([^)]*\)`)
	inlineSuggestion = regexp.MustCompile(`(?i)^(.*?)\s*[(\[]\s*sugerid[oa]\s*[:=]?\s*(.*?)\s*[)\]]\s*$`)
	arrowSuggestion  = regexp.MustCompile(`^(.*?)\s*(?:->|→|=>)\s*(.*)$`)

	emphasis = strings.NewReplacer("**", "", "__", "", "`", "")
)

// placeholders are normalized values meaning "nothing here"
var placeholders = map[string]bool{
	"":               true,
	"no disponible":  true,
	"n a":            true,
	"na":             true,
	"ninguno":        true,
	"ninguna":        true,
	"sin sugerencia": true,
	"sin cambios":    true,
	"none":           true,
	"null":           true,
}

// Parse converts the textual response of the OCR webhook into a
// ParsedTicket. Tables, "Campo: valor" lines and bullet lists are
// understood; lines that do not name a known field are ignored. The first
// occurrence of a field wins and rows come back in KnownKinds order.
func Parse(raw string) (*ParsedTicket, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Reason: "empty response"}
	}

	found := make(map[FieldKind]Field)
	var notes []string

	keep := func(f Field, ok bool) {
		if !ok {
			return
		}
		if _, seen := found[f.Kind]; !seen {
			found[f.Kind] = f
		}
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}

		if strings.Contains(line, "|") {
			cells := splitCells(line)
			if note, ok := noteFromCells(cells); ok {
				notes = append(notes, note)
				continue
			}
			keep(fieldFromCells(cells))
			continue
		}

		line = cleanLine(line)
		if note, ok := noteFromLine(line); ok {
			notes = append(notes, note)
			continue
		}
		keep(fieldFromLine(line))
	}

	if len(found) == 0 {
		return nil, &ParseError{Reason: "no recognizable fields"}
	}

	parsed := &ParsedTicket{
		TableData: make([]Field, 0, len(found)),
		Nota:      strings.Join(notes, " "),
	}
	for _, kind := range KnownKinds {
		if f, ok := found[kind]; ok {
			parsed.TableData = append(parsed.TableData, f)
		}
	}
	return parsed, nil
}

// cleanLine drops markdown decoration: headings, list markers and emphasis.
func cleanLine(line string) string {
	line = headingMarker.ReplaceAllString(line, "")
	line = listMarker.ReplaceAllString(line, "")
	return strings.TrimSpace(emphasis.Replace(line))
}

// cleanValue trims whitespace, stray emphasis and surrounding quotes
func cleanValue(v string) string {
	v = strings.TrimSpace(emphasis.Replace(v))
	v = strings.Trim(v, "*_ \t")
	v = strings.Trim(v, `"'“”`)
	return strings.TrimSpace(v)
}

func isPlaceholder(v string) bool {
	return placeholders[normalizeLabel(v)]
}

// splitCells splits a markdown table row. Separator rows yield nil.
func splitCells(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")

	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	separators := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if separatorCell.MatchString(p) {
			separators++
		}
		cells = append(cells, p)
	}
	if separators == len(cells) {
		return nil
	}
	return cells
}

func noteFromCells(cells []string) (string, bool) {
	if len(cells) < 2 || normalizeLabel(cells[0]) != "nota" {
		return "", false
	}
	note := cleanValue(strings.Join(cells[1:], " "))
	return note, note != ""
}

func noteFromLine(line string) (string, bool) {
	idx := strings.IndexAny(line, ":-")
	if idx <= 0 || normalizeLabel(line[:idx]) != "nota" {
		return "", false
	}
	note := cleanValue(line[idx+1:])
	return note, note != ""
}

// fieldFromCells reads "| Campo | Original | Sugerido |" rows. A leading
// numbering column is skipped.
func fieldFromCells(cells []string) (Field, bool) {
	if len(cells) < 2 {
		return Field{}, false
	}
	kind := KindOf(cleanValue(cells[0]))
	if kind == FieldUnknown && len(cells) >= 3 {
		if shifted := KindOf(cleanValue(cells[1])); shifted != FieldUnknown {
			kind = shifted
			cells = cells[1:]
		}
	}
	if kind == FieldUnknown {
		return Field{}, false
	}

	original, suggested := cells[1], ""
	if len(cells) >= 3 {
		suggested = cells[2]
	} else {
		original, suggested = splitSuggestion(original)
	}
	return buildField(kind, original, suggested)
}

// fieldFromLine reads "Campo: valor" lines
func fieldFromLine(line string) (Field, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return Field{}, false
	}
	kind := KindOf(parenthetical.ReplaceAllString(line[:idx], ""))
	if kind == FieldUnknown {
		return Field{}, false
	}
	original, suggested := splitSuggestion(line[idx+1:])
	return buildField(kind, original, suggested)
}

// splitSuggestion separates "valor (sugerido: X)" and "valor -> X"
func splitSuggestion(value string) (string, string) {
	if m := inlineSuggestion.FindStringSubmatch(value); m != nil {
		return m[1], m[2]
	}
	if m := arrowSuggestion.FindStringSubmatch(value); m != nil {
		return m[1], m[2]
	}
	return value, ""
}

func buildField(kind FieldKind, original, suggested string) (Field, bool) {
	original = cleanValue(original)
	suggested = cleanValue(suggested)
	if isPlaceholder(suggested) || strings.EqualFold(suggested, original) {
		suggested = NotAvailable
	}
	if isPlaceholder(original) && suggested == NotAvailable {
		return Field{}, false
	}
	return NewField(kind, original, suggested), true
}
