package usecases

import (
	"regexp"
	"strconv"
	"strings"

	"nutripilot/internal/entities"
)

// MaxIngredients caps how many ingredient lines one formula may hold.
const MaxIngredients = 120

var (
	// "o.122" typed for "0.122"; an o glued to a preceding letter is part of a word.
	typoZeroPattern = regexp.MustCompile(`(^|[^A-Za-z])[oO]\.(\d)`)

	// trailing inclusion value, optionally followed by a percent sign
	trailingNumberPattern = regexp.MustCompile(`^(.*?)(\d+(?:\.\d+)?|\.\d+)\s*%?$`)

	// leading "1)", "2.", "-" or "•" list markers
	listMarkerPattern = regexp.MustCompile(`^(?:[-*•]+|\d{1,3}[.)])\s+`)

	cpTagPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)(?:\s*-\s*(\d+(?:\.\d+)?))?\s*%`)

	bulkSeparators = regexp.MustCompile(`[,;\n]+`)
)

// BulkResult is the outcome of splitting and parsing a multi-ingredient paste.
type BulkResult struct {
	Items     []entities.Ingredient
	Failed    int  // tokens that held no usable ingredient/percentage pair
	Truncated bool // items beyond MaxIngredients were dropped
}

// NormalizeTypos fixes the letter-o-for-zero typo and unifies line endings.
func NormalizeTypos(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return typoZeroPattern.ReplaceAllString(text, "${1}0.${2}")
}

// SplitBulk splits a paste into candidate tokens on commas, semicolons and newlines.
func SplitBulk(text string) []string {
	parts := bulkSeparators.Split(NormalizeTypos(text), -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// ParseToken extracts {name, inclusion} from one token such as "SBM44% 25.34" or "Maize27.45,".
// The last number in the token is the inclusion; earlier numbers stay part of the name.
func ParseToken(token string) (entities.Ingredient, bool) {
	token = strings.TrimSpace(NormalizeTypos(token))
	token = strings.TrimRight(token, ",;. \t")
	token = listMarkerPattern.ReplaceAllString(token, "")

	m := trailingNumberPattern.FindStringSubmatch(token)
	if m == nil {
		return entities.Ingredient{}, false
	}

	prefix, value := m[1], m[2]
	if signedValue(prefix) {
		return entities.Ingredient{}, false
	}
	pct, err := strconv.ParseFloat(value, 64)
	if err != nil || pct < 0 || pct > 100 {
		return entities.Ingredient{}, false
	}
	// "DLMo.122": the o glued to the name is the zero of "0.122"
	if strings.HasPrefix(value, ".") && (strings.HasSuffix(prefix, "o") || strings.HasSuffix(prefix, "O")) {
		prefix = prefix[:len(prefix)-1]
	}

	name := cleanName(prefix)
	if name == "" {
		return entities.Ingredient{}, false
	}
	return entities.Ingredient{Name: name, Inclusion: pct}, true
}

// ParseFormula runs the full pipeline over a pasted formula.
func ParseFormula(text string) BulkResult {
	return collect(SplitBulk(text), ParseToken, 0)
}

// ParseManualLines parses the manual-entry bulk form, one ingredient per line.
// A line may be "Corn | 58", "SBM44% , 25.34" or any token ParseToken accepts.
// existing is the number of ingredients already held, so the cap covers the whole formula.
func ParseManualLines(text string, existing int) BulkResult {
	var tokens []string
	for _, line := range strings.Split(NormalizeTypos(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, "|") || isNamePctPair(line) {
			tokens = append(tokens, line)
			continue
		}
		tokens = append(tokens, SplitBulk(line)...)
	}
	return collect(tokens, parseManualToken, existing)
}

func parseManualToken(token string) (entities.Ingredient, bool) {
	sep := ""
	switch {
	case strings.Contains(token, "|"):
		sep = "|"
	case isNamePctPair(token):
		sep = ","
	default:
		return ParseToken(token)
	}
	name, value, _ := strings.Cut(token, sep)
	pct, ok := ParseInclusion(value)
	name = cleanName(name)
	if !ok || name == "" {
		return entities.Ingredient{}, false
	}
	return entities.Ingredient{Name: name, Inclusion: pct}, true
}

// signedValue reports a minus sign written as the value's sign ("Salt -0.3"), as opposed to a
// separator ("Salt-0.3") or a range inside the name ("Sunflower26-28% 5").
func signedValue(prefix string) bool {
	if !strings.HasSuffix(prefix, "-") {
		return false
	}
	rest := prefix[:len(prefix)-1]
	return rest == "" || strings.HasSuffix(rest, " ") || strings.HasSuffix(rest, "\t")
}

// isNamePctPair matches "name , number" where the comma separates a name from its value.
func isNamePctPair(line string) bool {
	name, value, found := strings.Cut(line, ",")
	if !found || strings.Contains(value, ",") || strings.TrimSpace(name) == "" {
		return false
	}
	_, ok := ParseInclusion(value)
	return ok
}

// ParseInclusion reads a bare percentage such as "27.45", "27,45", "o.05" or "12%".
func ParseInclusion(raw string) (float64, bool) {
	s := strings.TrimSpace(NormalizeTypos(raw))
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

// ExtractCPTag reads a crude-protein tag embedded in an ingredient name:
// "SBM44%" gives 44, "Sunflower meal26-28%" gives the midpoint 27.
func ExtractCPTag(name string) (float64, bool) {
	m := cpTagPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	lo, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] != "" {
		hi, err := strconv.ParseFloat(m[2], 64)
		if err == nil {
			lo = (lo + hi) / 2
		}
	}
	if lo <= 0 || lo > 100 {
		return 0, false
	}
	return lo, true
}

func collect(tokens []string, parse func(string) (entities.Ingredient, bool), existing int) BulkResult {
	var res BulkResult
	for _, tok := range tokens {
		ing, ok := parse(tok)
		if !ok {
			res.Failed++
			continue
		}
		if existing+len(res.Items) >= MaxIngredients {
			res.Truncated = true
			continue
		}
		res.Items = append(res.Items, ing)
	}
	return res
}

// cleanName collapses whitespace and strips separator characters left between name and value.
// A percent sign right after a digit is a CP tag ("SBM44%") and is kept.
func cleanName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for {
		t := strings.TrimRight(s, " :-=|")
		if strings.HasSuffix(t, "%") && !digitBeforePercent(t) {
			t = t[:len(t)-1]
		}
		if t == s {
			return t
		}
		s = t
	}
}

func digitBeforePercent(s string) bool {
	if len(s) < 2 {
		return false
	}
	c := s[len(s)-2]
	return c >= '0' && c <= '9'
}

// FindIngredient returns the index of the first ingredient whose name matches case-insensitively, or -1.
func FindIngredient(items []entities.Ingredient, name string) int {
	key := strings.ToLower(strings.TrimSpace(name))
	for i, it := range items {
		if strings.ToLower(strings.TrimSpace(it.Name)) == key {
			return i
		}
	}
	return -1
}

// RemoveIngredient drops every ingredient matching name case-insensitively.
// The input slice is not modified.
func RemoveIngredient(items []entities.Ingredient, name string) ([]entities.Ingredient, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return items, false
	}
	kept := make([]entities.Ingredient, 0, len(items))
	for _, it := range items {
		if strings.ToLower(strings.TrimSpace(it.Name)) != key {
			kept = append(kept, it)
		}
	}
	return kept, len(kept) != len(items)
}
