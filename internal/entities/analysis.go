package entities

// ExternalAnalysis is the subset of the AgroCore /v1/analyze response the bot renders.
type ExternalAnalysis struct {
	Overall                  string       `json:"overall"`
	NutrientProfileCanonical NutrientPair `json:"nutrient_profile_canonical"`
	Evaluation               struct {
		Findings []Finding `json:"findings"`
	} `json:"evaluation"`
}

type NutrientPair struct {
	ME float64 `json:"me"`
	CP float64 `json:"cp"`
}

type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// IngestResult is the AgroCore /v1/ingest response: the formula text it extracted from a file.
type IngestResult struct {
	FormulaText string `json:"formula_text"`
	Rows        int    `json:"rows"`
}
