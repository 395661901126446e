package entities

import (
	"fmt"
	"strings"
	"time"
)

// State is the conversation position of a session.
type State int

const (
	StateMain State = iota
	StateCore1Menu
	StateAnimal
	StatePoultryType
	StateGeneticLine
	StatePoultryStage
	StateSmallRumSpecies
	StateSmallRumStage
	StateNonPoultryStage
	StateFeedForm
	StateFormulaInputMethod
	StatePasteFormula
	StateUploadFile
	StateManualHome
	StateManualAddName
	StateManualAddInclusion
	StateEstMode
	StateLabAsk
)

var stateNames = map[State]string{
	StateMain:               "MAIN",
	StateCore1Menu:          "CORE1_MENU",
	StateAnimal:             "ANIMAL",
	StatePoultryType:        "POULTRY_TYPE",
	StateGeneticLine:        "GENETIC_LINE",
	StatePoultryStage:       "POULTRY_STAGE",
	StateSmallRumSpecies:    "SMALLRUM_SPECIES",
	StateSmallRumStage:      "SMALLRUM_STAGE",
	StateNonPoultryStage:    "NONPOULTRY_STAGE",
	StateFeedForm:           "FEED_FORM",
	StateFormulaInputMethod: "FORMULA_INPUT_METHOD",
	StatePasteFormula:       "PASTE_FORMULA",
	StateUploadFile:         "UPLOAD_FILE",
	StateManualHome:         "MANUAL_HOME",
	StateManualAddName:      "MANUAL_ADD_NAME",
	StateManualAddInclusion: "MANUAL_ADD_INCLUSION",
	StateEstMode:            "EST_MODE",
	StateLabAsk:             "LAB_ASK",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText stores states by name so persisted sessions survive reordering of the constants.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(name), nil
}

func (s *State) UnmarshalText(text []byte) error {
	want := strings.ToUpper(strings.TrimSpace(string(text)))
	for st, name := range stateNames {
		if name == want {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(text))
}

// Animal categories offered in the animal menu.
const (
	AnimalPoultry        = "Poultry"
	AnimalSwine          = "Swine"
	AnimalDairy          = "Dairy Cattle"
	AnimalBeef           = "Beef Cattle"
	AnimalSmallRuminants = "Small Ruminants"
	AnimalEquine         = "Equine"
	AnimalOther          = "Other"
)

const (
	PoultryBroiler = "Broiler"
	PoultryLayer   = "Layer"
	PoultryBreeder = "Breeder"
)

// FormulaContext holds the menu selections made before the formula is entered.
type FormulaContext struct {
	Animal         string `json:"animal,omitempty"`
	PoultryType    string `json:"poultry_type,omitempty"`
	GeneticLine    string `json:"genetic_line,omitempty"`
	SmallRumSpecie string `json:"small_rum_species,omitempty"`
	Stage          string `json:"stage,omitempty"`
	FeedForm       string `json:"feed_form,omitempty"`
}

// IsLayer is true for laying hens, which need an explicit calcium source.
func (c FormulaContext) IsLayer() bool {
	return c.Animal == AnimalPoultry && c.PoultryType == PoultryLayer
}

// Ingredient is one line of a feed formula. Inclusion is a percentage on an as-fed basis.
type Ingredient struct {
	Name      string  `json:"name"`
	Inclusion float64 `json:"inclusion"`
}

// LabValue carries analysed values entered by the user for one ingredient.
// Zero means "not given".
type LabValue struct {
	CP float64 `json:"cp,omitempty"`
	ME float64 `json:"me,omitempty"`
}

type Session struct {
	ID             string              `json:"id"`
	State          State               `json:"state"`
	Context        FormulaContext      `json:"context"`
	Formula        []Ingredient        `json:"formula,omitempty"`
	PendingName    string              `json:"pending_name,omitempty"`
	LabCursor      int                 `json:"lab_cursor,omitempty"`
	LabValues      map[string]LabValue `json:"lab_values,omitempty"`
	LastReport     string              `json:"last_report,omitempty"`
	LastMessageSID string              `json:"last_message_sid,omitempty"`
	LastReply      string              `json:"last_reply,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func NewSession(id string) *Session {
	return &Session{ID: id, State: StateMain}
}

// Reset returns the session to the main menu. The last report is kept so RESULT can replay it.
func (s *Session) Reset() {
	s.State = StateMain
	s.Context = FormulaContext{}
	s.Formula = nil
	s.PendingName = ""
	s.LabCursor = 0
	s.LabValues = nil
}
