package usecases

import (
	"fmt"
	"strconv"
	"strings"

	"nutripilot/internal/entities"
	"nutripilot/internal/repository"
)

// Flag texts. The total flag is formatted with the computed total.
const (
	flagTotalFormat = "Total inclusion: %.2f%% (expected ~100%%)"
	flagNoPremix    = "Premix not detected (vit/min premix may be missing)"
	flagNoSalt      = "Salt not detected (Na/Cl source may be missing)"
	flagNoCalcium   = "No limestone/Ca source detected (critical for layers)"

	totalLow  = 95.0
	totalHigh = 105.0

	// off-target tolerance for the nutrient comparison
	targetTolerance = 0.05

	// unmatched ingredients count as zero nutrients, so below this coverage every target reads low.
	// 89.5 is what the report prints as 90%.
	minTargetCoverage = 89.5
)

// Analysis is the computed result for one finalized formula.
type Analysis struct {
	Total      float64
	Flags      []string
	Estimate   *NutrientEstimate
	Checks     []TargetCheck
	HasTargets bool
	// TargetsSkipped is set when too little of the formula has reference data to compare.
	TargetsSkipped bool
	External   string // rendered AgroCore section, empty when the service is not used
}

// NutrientEstimate is the inclusion-weighted nutrient profile of a formula.
type NutrientEstimate struct {
	Nutrients repository.Nutrients
	Coverage  float64  // % of the formula matched to a reference ingredient
	Unmatched []string // names with no reference data
}

// TargetCheck compares one estimated nutrient against its stage target.
type TargetCheck struct {
	Label    string
	Unit     string
	Value    float64
	Target   float64
	Status   string // "ok", "low", "high"
	Decimals int
}

type Analyzer struct {
	ingredients *repository.IngredientRepository
}

func NewAnalyzer(repo *repository.IngredientRepository) *Analyzer {
	return &Analyzer{ingredients: repo}
}

// Analyze sums inclusions, runs the presence checks and, when reference data is loaded,
// estimates the nutrient profile. Lab values override the reference per ingredient name.
func (a *Analyzer) Analyze(ctx entities.FormulaContext, items []entities.Ingredient, lab map[string]entities.LabValue) Analysis {
	var res Analysis
	for _, it := range items {
		res.Total += it.Inclusion
	}

	var hasSalt, hasPremix, hasLime bool
	for _, it := range items {
		n := strings.ToLower(it.Name)
		if strings.Contains(n, "salt") || strings.Contains(n, "nacl") {
			hasSalt = true
		}
		if strings.Contains(n, "premix") || (strings.Contains(n, "vit") && strings.Contains(n, "pre")) || (strings.Contains(n, "min") && strings.Contains(n, "pre")) {
			hasPremix = true
		}
		if strings.Contains(n, "lime") || strings.Contains(n, "caco3") || strings.Contains(n, "calcium carbonate") || strings.Contains(n, "shell grit") {
			hasLime = true
		}
	}

	if res.Total < totalLow || res.Total > totalHigh {
		res.Flags = append(res.Flags, fmt.Sprintf(flagTotalFormat, res.Total))
	}
	if !hasPremix {
		res.Flags = append(res.Flags, flagNoPremix)
	}
	if !hasSalt {
		res.Flags = append(res.Flags, flagNoSalt)
	}
	if ctx.IsLayer() && !hasLime {
		res.Flags = append(res.Flags, flagNoCalcium)
	}

	if a.ingredients != nil && res.Total > 0 {
		res.Estimate = a.estimate(items, lab, res.Total)
		if target, ok := a.ingredients.Target(ctx.Animal, ctx.PoultryType, ctx.Stage); ok {
			res.HasTargets = true
			if res.Estimate.Coverage >= minTargetCoverage {
				res.Checks = compare(res.Estimate.Nutrients, target.Nutrients, ctx.Animal == entities.AnimalPoultry)
			} else {
				res.TargetsSkipped = true
			}
		}
	}
	return res
}

func (a *Analyzer) estimate(items []entities.Ingredient, lab map[string]entities.LabValue, total float64) *NutrientEstimate {
	est := &NutrientEstimate{}
	var sum repository.Nutrients
	var matched float64

	for _, it := range items {
		var n repository.Nutrients
		ref, ok := a.ingredients.Match(it.Name)
		if ok {
			n = ref.Nutrients
		}
		if cp, tagged := ExtractCPTag(it.Name); tagged && ok && isProteinMeal(ref.Nutrients) && cp < 80 {
			n.CP = cp
		}
		known := ok
		if lv, has := lab[labKey(it.Name)]; has {
			if lv.CP > 0 {
				n.CP = lv.CP
				known = true
			}
			if lv.ME > 0 {
				n.ME = lv.ME
				known = true
			}
		}
		if !known {
			est.Unmatched = append(est.Unmatched, it.Name)
			continue
		}
		matched += it.Inclusion
		w := it.Inclusion / total
		sum.ME += n.ME * w
		sum.CP += n.CP * w
		sum.Ca += n.Ca * w
		sum.AvP += n.AvP * w
		sum.Lys += n.Lys * w
		sum.Met += n.Met * w
	}

	est.Nutrients = sum
	est.Coverage = matched / total * 100
	return est
}

// isProteinMeal limits CP tags to protein meals; on amino acids or minerals a percent is purity.
func isProteinMeal(n repository.Nutrients) bool {
	return n.CP >= 20 && n.CP < 80
}

func compare(got, want repository.Nutrients, withME bool) []TargetCheck {
	rows := []TargetCheck{
		{Label: "ME", Unit: " kcal/kg", Value: got.ME, Target: want.ME, Decimals: 0},
		{Label: "CP", Unit: "%", Value: got.CP, Target: want.CP, Decimals: 2},
		{Label: "Ca", Unit: "%", Value: got.Ca, Target: want.Ca, Decimals: 2},
		{Label: "avP", Unit: "%", Value: got.AvP, Target: want.AvP, Decimals: 2},
		{Label: "Lys", Unit: "%", Value: got.Lys, Target: want.Lys, Decimals: 2},
		{Label: "Met", Unit: "%", Value: got.Met, Target: want.Met, Decimals: 2},
	}
	var checks []TargetCheck
	for _, r := range rows {
		if r.Target <= 0 || (r.Label == "ME" && !withME) {
			continue
		}
		switch {
		case r.Value < r.Target*(1-targetTolerance):
			r.Status = "low"
		case r.Value > r.Target*(1+targetTolerance):
			r.Status = "high"
		default:
			r.Status = "ok"
		}
		checks = append(checks, r)
	}
	return checks
}

// Render formats the chat report.
func (a *Analyzer) Render(ctx entities.FormulaContext, items []entities.Ingredient, res Analysis) string {
	var sb strings.Builder
	sb.WriteString("✅ Formula captured\n\n")
	sb.WriteString(fmt.Sprintf("Animal: %s\n", ctx.Animal))
	if ctx.PoultryType != "" {
		sb.WriteString(fmt.Sprintf("Poultry type: %s\n", ctx.PoultryType))
	}
	if ctx.GeneticLine != "" {
		sb.WriteString(fmt.Sprintf("Genetic line: %s\n", ctx.GeneticLine))
	}
	if ctx.Stage != "" {
		sb.WriteString(fmt.Sprintf("Stage: %s\n", ctx.Stage))
	}
	if ctx.FeedForm != "" {
		sb.WriteString(fmt.Sprintf("Feed form: %s\n", ctx.FeedForm))
	}
	sb.WriteString(fmt.Sprintf("Items: %d\n", len(items)))
	sb.WriteString(fmt.Sprintf("Total: %.2f%%\n\n", res.Total))

	sb.WriteString("Ingredients:\n")
	limit := 18
	if len(items) < limit {
		limit = len(items)
	}
	for _, it := range items[:limit] {
		sb.WriteString(fmt.Sprintf("- %s: %s%%\n", it.Name, formatPct(it.Inclusion)))
	}
	if len(items) > limit {
		sb.WriteString(fmt.Sprintf("...and %d more\n", len(items)-limit))
	}
	sb.WriteString("\n")

	if len(res.Flags) > 0 {
		sb.WriteString("⚠️ Flags:\n- ")
		sb.WriteString(strings.Join(res.Flags, "\n- "))
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("✅ No major flags detected.\n\n")
	}

	if est := res.Estimate; est != nil {
		sb.WriteString(fmt.Sprintf("📊 Nutrient estimate (%.0f%% of formula matched):\n", est.Coverage))
		if ctx.Animal == entities.AnimalPoultry {
			sb.WriteString(fmt.Sprintf("ME: %.0f kcal/kg\n", est.Nutrients.ME))
		}
		sb.WriteString(fmt.Sprintf("CP: %.2f%% | Ca: %.2f%% | avP: %.2f%%\n", est.Nutrients.CP, est.Nutrients.Ca, est.Nutrients.AvP))
		sb.WriteString(fmt.Sprintf("Lys: %.2f%% | Met: %.2f%%\n", est.Nutrients.Lys, est.Nutrients.Met))
		if len(est.Unmatched) > 0 {
			sb.WriteString(fmt.Sprintf("No reference data: %s\n", strings.Join(est.Unmatched, ", ")))
		}
		sb.WriteString("\n")
	}

	if len(res.Checks) > 0 {
		sb.WriteString(fmt.Sprintf("🎯 vs %s target:\n", targetLabel(ctx)))
		for _, c := range res.Checks {
			marker := "✅"
			if c.Status != "ok" {
				marker = "⚠️ " + c.Status
			}
			sb.WriteString(fmt.Sprintf("- %s %.*f%s (target %.*f) %s\n", c.Label, c.Decimals, c.Value, c.Unit, c.Decimals, c.Target, marker))
		}
		sb.WriteString("\n")
	}

	if res.TargetsSkipped {
		sb.WriteString(fmt.Sprintf("🎯 %s target check skipped: under 90%% of the formula has reference data.\n\n", targetLabel(ctx)))
	}

	if res.External != "" {
		sb.WriteString(res.External)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Note: Ingredient names accepted as entered.\n")
	sb.WriteString("Type MENU to start again.")
	return sb.String()
}

func targetLabel(ctx entities.FormulaContext) string {
	parts := []string{}
	for _, p := range []string{ctx.PoultryType, ctx.Stage} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ctx.Animal
	}
	return strings.Join(parts, " ")
}

// ListIngredients formats the running formula in manual mode.
func ListIngredients(items []entities.Ingredient) string {
	if len(items) == 0 {
		return "No ingredients added yet."
	}
	const shown = 25
	var sb strings.Builder
	sb.WriteString("Current formula:")
	var total float64
	for i, it := range items {
		total += it.Inclusion
		if i < shown {
			sb.WriteString(fmt.Sprintf("\n%d. %s = %s%%", i+1, it.Name, formatPct(it.Inclusion)))
		}
	}
	if len(items) > shown {
		sb.WriteString(fmt.Sprintf("\n...and %d more", len(items)-shown))
	}
	sb.WriteString(fmt.Sprintf("\nTotal so far: %.2f%%", total))
	return sb.String()
}

// FormulaText renders items back into the one-line paste format AgroCore accepts.
func FormulaText(items []entities.Ingredient) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.Name + " " + formatPct(it.Inclusion)
	}
	return strings.Join(parts, ", ")
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func labKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
