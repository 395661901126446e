package repository

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

//go:embed data/ingredients.csv
var defaultIngredientsCSV []byte

//go:embed data/targets.csv
var defaultTargetsCSV []byte

// Nutrients is a nutrient vector on an as-fed basis. ME is poultry AME in kcal/kg, the rest are %.
type Nutrients struct {
	ME  float64 `json:"me"`
	CP  float64 `json:"cp"`
	Ca  float64 `json:"ca"`
	AvP float64 `json:"avp"`
	Lys float64 `json:"lys"`
	Met float64 `json:"met"`
}

// ReferenceIngredient is one row of the ingredient reference table.
type ReferenceIngredient struct {
	Key       string
	Aliases   []string
	Nutrients Nutrients
}

// Target holds the recommended levels for one animal/type/stage. Zero means no target.
type Target struct {
	Animal    string
	Type      string
	Stage     string
	Nutrients Nutrients
}

type alias struct {
	text string
	ref  *ReferenceIngredient
}

// IngredientRepository serves the static nutrient reference data.
type IngredientRepository struct {
	ingredients []ReferenceIngredient
	aliases     []alias // longest first
	targets     map[string]Target
}

// NewIngredientRepository loads the embedded reference tables.
// When overridePath is set, the ingredient table is read from that CSV instead.
func NewIngredientRepository(overridePath string) (*IngredientRepository, error) {
	ingredientsCSV := io.Reader(bytes.NewReader(defaultIngredientsCSV))
	if overridePath != "" {
		file, err := os.Open(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open nutrient table: %w", err)
		}
		defer file.Close()
		ingredientsCSV = file
	}

	r := &IngredientRepository{targets: make(map[string]Target)}
	if err := r.SyncIngredients(ingredientsCSV); err != nil {
		return nil, err
	}
	if err := r.SyncTargets(bytes.NewReader(defaultTargetsCSV)); err != nil {
		return nil, err
	}
	return r, nil
}

// SyncIngredients replaces the ingredient table with the rows of a CSV:
// key,aliases(;-separated),me,cp,ca,avp,lys,met with a header row.
func (r *IngredientRepository) SyncIngredients(src io.Reader) error {
	records, err := csv.NewReader(src).ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read ingredient CSV: %w", err)
	}

	var ingredients []ReferenceIngredient
	// Skip header row
	for i := 1; i < len(records); i++ {
		row := records[i]
		if len(row) < 8 {
			return fmt.Errorf("ingredient CSV line %d: expected 8 columns, got %d", i+1, len(row))
		}
		n, err := parseNutrients(row[2:8])
		if err != nil {
			return fmt.Errorf("ingredient CSV line %d: %w", i+1, err)
		}
		ing := ReferenceIngredient{Key: strings.TrimSpace(row[0]), Nutrients: n}
		for _, a := range strings.Split(row[1], ";") {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				ing.Aliases = append(ing.Aliases, a)
			}
		}
		ingredients = append(ingredients, ing)
	}

	r.ingredients = ingredients
	r.aliases = r.aliases[:0]
	for i := range r.ingredients {
		for _, a := range r.ingredients[i].Aliases {
			r.aliases = append(r.aliases, alias{text: a, ref: &r.ingredients[i]})
		}
	}
	sort.SliceStable(r.aliases, func(i, j int) bool {
		return len(r.aliases[i].text) > len(r.aliases[j].text)
	})
	return nil
}

// SyncTargets replaces the target table: animal,type,stage,me,cp,ca,avp,lys,met with a header row.
func (r *IngredientRepository) SyncTargets(src io.Reader) error {
	records, err := csv.NewReader(src).ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read target CSV: %w", err)
	}
	targets := make(map[string]Target)
	for i := 1; i < len(records); i++ {
		row := records[i]
		if len(row) < 9 {
			return fmt.Errorf("target CSV line %d: expected 9 columns, got %d", i+1, len(row))
		}
		n, err := parseNutrients(row[3:9])
		if err != nil {
			return fmt.Errorf("target CSV line %d: %w", i+1, err)
		}
		t := Target{Animal: row[0], Type: row[1], Stage: row[2], Nutrients: n}
		targets[targetKey(t.Animal, t.Type, t.Stage)] = t
	}
	r.targets = targets
	return nil
}

// Match finds the reference ingredient for a free-text name. The longest alias contained
// in the lower-cased name wins, so "rice bran" beats "bran".
func (r *IngredientRepository) Match(name string) (*ReferenceIngredient, bool) {
	lower := strings.ToLower(name)
	for _, a := range r.aliases {
		if strings.Contains(lower, a.text) {
			return a.ref, true
		}
	}
	return nil, false
}

// Target returns the nutrient targets for an animal/type/stage selection.
func (r *IngredientRepository) Target(animal, poultryType, stage string) (Target, bool) {
	t, ok := r.targets[targetKey(animal, poultryType, stage)]
	return t, ok
}

// Count returns the number of reference ingredients.
func (r *IngredientRepository) Count() int {
	return len(r.ingredients)
}

func targetKey(animal, typ, stage string) string {
	return strings.ToLower(strings.TrimSpace(animal) + "|" + strings.TrimSpace(typ) + "|" + strings.TrimSpace(stage))
}

func parseNutrients(cols []string) (Nutrients, error) {
	var vals [6]float64
	for i, c := range cols {
		v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return Nutrients{}, fmt.Errorf("invalid number %q: %w", c, err)
		}
		vals[i] = v
	}
	return Nutrients{ME: vals[0], CP: vals[1], Ca: vals[2], AvP: vals[3], Lys: vals[4], Met: vals[5]}, nil
}
