package domain

import "strings"

// Group is a case-complexity bucket.
type Group string

const (
	GroupA Group = "A"
	GroupB Group = "B"
	GroupC Group = "C"
)

// Groups is the fixed tie-break priority order.
var Groups = []Group{GroupA, GroupB, GroupC}

// ParseGroup accepts "a", "B" and so on.
func ParseGroup(s string) (Group, bool) {
	g := Group(strings.ToUpper(strings.TrimSpace(s)))
	switch g {
	case GroupA, GroupB, GroupC:
		return g, true
	}
	return "", false
}

// ClinicalCase is the transient input of a prediction. Nothing here is
// persisted.
type ClinicalCase struct {
	AdmissionID        string   `json:"admission_id,omitempty" yaml:"admission_id,omitempty"`
	PrincipalDiagnosis string   `json:"principal_diagnosis" yaml:"principal_diagnosis"`
	SecondaryDiagnoses []string `json:"secondary_diagnoses,omitempty" yaml:"secondary_diagnoses,omitempty"`
	Procedures         []string `json:"procedures,omitempty" yaml:"procedures,omitempty"`
	Age                *int     `json:"age,omitempty" yaml:"age,omitempty"`
	Gender             string   `json:"gender,omitempty" yaml:"gender,omitempty"`
	Department         string   `json:"department,omitempty" yaml:"department,omitempty"`
	LengthOfStay       *int     `json:"length_of_stay,omitempty" yaml:"length_of_stay,omitempty"`
	ClinicalNotes      string   `json:"clinical_notes,omitempty" yaml:"clinical_notes,omitempty"`
}

// Validate rejects malformed cases before any scoring happens.
func (c ClinicalCase) Validate() error {
	if strings.TrimSpace(c.PrincipalDiagnosis) == "" {
		return Invalid("principal_diagnosis", "required")
	}
	if c.Age != nil && (*c.Age < 0 || *c.Age > 150) {
		return Invalid("age", "out of range")
	}
	if c.LengthOfStay != nil && *c.LengthOfStay < 0 {
		return Invalid("length_of_stay", "must not be negative")
	}
	for _, code := range c.SecondaryDiagnoses {
		if strings.TrimSpace(code) == "" {
			return Invalid("secondary_diagnoses", "empty code")
		}
	}
	for _, code := range c.Procedures {
		if strings.TrimSpace(code) == "" {
			return Invalid("procedures", "empty code")
		}
	}
	return nil
}

// NormalizeCode upper-cases a diagnosis or procedure code and drops dots and
// spaces so "i50.0" and "I500" compare equal.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '.' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Probabilities is a distribution over the three groups.
type Probabilities struct {
	A float64 `json:"A"`
	B float64 `json:"B"`
	C float64 `json:"C"`
}

// Of returns the probability of g.
func (p Probabilities) Of(g Group) float64 {
	switch g {
	case GroupA:
		return p.A
	case GroupB:
		return p.B
	case GroupC:
		return p.C
	}
	return 0
}

// GroupPrediction is the classifier output.
type GroupPrediction struct {
	Group         Group         `json:"predicted_group"`
	DRGCode       string        `json:"drg_code"`
	Probabilities Probabilities `json:"probabilities"`
	Confidence    float64       `json:"confidence"`
	CanUpgrade    bool          `json:"can_upgrade"`
	Scores        Probabilities `json:"scores"`
	AppliedRules  []string      `json:"applied_rules,omitempty"`
}

// RiskLevel is the banded denial risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskFactor is one triggered completeness check.
type RiskFactor struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Severity    float64 `json:"severity"`
	Mitigation  string  `json:"mitigation,omitempty"`
}

// DenialRisk is the risk scorer output.
type DenialRisk struct {
	Probability float64      `json:"denial_probability"`
	Level       RiskLevel    `json:"risk_level"`
	Factors     []RiskFactor `json:"risk_factors"`
}

// Category groups recommendations by the kind of action they ask for.
type Category string

const (
	CategoryDiagnosis     Category = "diagnosis"
	CategoryProcedure     Category = "procedure"
	CategoryDocumentation Category = "documentation"
)

// Priority orders recommendations; higher Rank sorts first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority onto a sortable integer.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Recommendation is an actionable item for the coder.
type Recommendation struct {
	Category    Category `json:"type"`
	Priority    Priority `json:"priority"`
	Description string   `json:"description"`
	Impact      *float64 `json:"expected_impact,omitempty"`
	Source      string   `json:"source,omitempty"`
	// Context is the passage of the clinical notes that triggered the item.
	Context string `json:"context,omitempty"`
}
