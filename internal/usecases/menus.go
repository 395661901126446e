package usecases

import (
	"fmt"
	"strings"

	"nutripilot/internal/entities"
)

// Version is shown on health checks and appended to re-rendered menus.
const Version = "NutriPilot AI router v8"

const MainMenu = `NutriPilot AI

How can we help you today?

1) Formulation & Diet Control
2) Performance & Production Intelligence
3) Raw Materials, Feed Mill & Quality
4) Expert Review
5) Nutrition Partner Program

Type MENU anytime.`

const core1Menu = `Formulation & Diet Control

1) Build a new formula

Reply 1, or MENU.`

const animalMenu = `Select animal category:

1) Poultry
2) Swine
3) Dairy Cattle
4) Beef Cattle
5) Small Ruminants (Sheep/Goats)
6) Equine (Horses)
7) Other / Custom

Reply 1–7.`

const poultryTypeMenu = `Select poultry type:

1) Broiler
2) Layer
3) Breeder (Parent Stock)

Reply 1–3.`

const geneticLineMenu = `Select genetic line (required):

1) Ross
2) Cobb
3) Hubbard
4) Arbor Acres
5) Hy-Line
6) Lohmann
7) Other / Custom

Reply 1–7.`

const smallRumSpeciesMenu = `Select small ruminant:

1) Sheep
2) Goat

Reply 1–2.`

const feedFormMenu = `Feed form:

1) Mash
2) Pellet
3) Crumble
4) TMR (ruminants)
5) Other

Reply 1–5.`

const formulaInputMenu = `Provide your formula:

1) Paste full formula (any format)
2) Manual entry (guided / bulk)
3) Upload Excel/CSV file
4) Upload photo (later)

Reply 1–4.`

const pastePrompt = `Paste your full formula now (any format accepted).

Example:
Maize27.45, SBM44% 25.34, Rice broken15, Fishmeal54%12.26, Salt0.099, Vitamin Premix 0.05`

const uploadPrompt = `Send your formula file now (CSV or TXT, one ingredient per row: name, inclusion %).

Type MENU to cancel.`

const manualHomeMenu = `Manual Entry (% only)

Choose one:
A) Type ADD to enter items one-by-one
B) Paste multiple lines like:
Corn | 58
SBM44% | 25.34
Fishmeal54% | 12.26

Commands: ADD, LIST, REMOVE <name>, DONE, MENU`

const estModeMenu = `How should nutrient values be estimated?

1) Use reference values (quick estimate)
2) Enter my lab values (CP / ME) per ingredient

Reply 1–2.`

// option lists; the position in the slice is the menu number minus one
var (
	animalOptions = []string{
		entities.AnimalPoultry, entities.AnimalSwine, entities.AnimalDairy, entities.AnimalBeef,
		entities.AnimalSmallRuminants, entities.AnimalEquine, entities.AnimalOther,
	}
	poultryTypeOptions  = []string{entities.PoultryBroiler, entities.PoultryLayer, entities.PoultryBreeder}
	geneticLineOptions  = []string{"Ross", "Cobb", "Hubbard", "Arbor Acres", "Hy-Line", "Lohmann", "Other / Custom"}
	smallRumSpecies     = []string{"Sheep", "Goat"}
	smallRumStageOption = []string{"Growing", "Breeding", "Lactation", "Finishing"}
	feedFormOptions     = []string{"Mash", "Pellet", "Crumble", "TMR", "Other"}

	poultryStages = map[string][]string{
		entities.PoultryBroiler: {"Starter", "Grower", "Finisher", "Withdrawal"},
		entities.PoultryLayer:   {"Chick", "Grower/Developer", "Pre-lay", "Peak lay", "Post-peak/Late lay"},
		entities.PoultryBreeder: {"Rearing", "Pre-breeder", "Production"},
	}

	nonPoultryStages = map[string]stageMenu{
		entities.AnimalSwine:  {"Select swine stage:", []string{"Nursery", "Grower", "Finisher", "Gilt / Gestation", "Lactation"}},
		entities.AnimalDairy:  {"Select dairy stage:", []string{"Calf", "Heifer", "Dry cow", "Fresh cow", "Lactating cow"}},
		entities.AnimalBeef:   {"Select beef stage:", []string{"Backgrounding", "Growing", "Finishing", "Cow–calf"}},
		entities.AnimalEquine: {"Select horse category:", []string{"Maintenance", "Performance", "Breeding", "Growth"}},
		entities.AnimalOther:  {"Select custom group:", []string{"Monogastric", "Ruminant", "Aquatic", "Other"}},
	}
)

type stageMenu struct {
	title   string
	options []string
}

// numberedMenu renders "title\n\n1) a\n2) b\n\nReply 1–n."
func numberedMenu(title string, options []string) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n\n")
	for i, o := range options {
		sb.WriteString(fmt.Sprintf("%d) %s\n", i+1, o))
	}
	sb.WriteString(fmt.Sprintf("\nReply 1–%d.", len(options)))
	return sb.String()
}

func poultryStageMenu(poultryType string) string {
	opts, ok := poultryStages[poultryType]
	if !ok {
		opts = poultryStages[entities.PoultryBreeder]
		poultryType = entities.PoultryBreeder
	}
	return numberedMenu(fmt.Sprintf("Select %s stage:", strings.ToLower(poultryType)), opts)
}

func nonPoultryStageMenu(animal string) string {
	m, ok := nonPoultryStages[animal]
	if !ok {
		m = nonPoultryStages[entities.AnimalOther]
	}
	return numberedMenu(m.title, m.options)
}

func smallRumStageMenu() string {
	return numberedMenu("Select production stage:", smallRumStageOption)
}

// pick maps a 1-based menu digit to its option.
func pick(options []string, choice int) (string, bool) {
	if choice < 1 || choice > len(options) {
		return "", false
	}
	return options[choice-1], true
}

func withVersion(text string) string {
	return text + "\n\n" + Version
}
