// Package rules loads the configuration-driven scoring table used by the
// classifier, the risk scorer and the recommendation composer.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"himcore/internal/domain"
)

//go:embed default.yaml
var defaultTable []byte

// Weights is a per-group score contribution.
type Weights struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
	C float64 `yaml:"c"`
}

// Add returns the component-wise sum.
func (w Weights) Add(o Weights) Weights {
	return Weights{A: w.A + o.A, B: w.B + o.B, C: w.C + o.C}
}

type PrincipalRule struct {
	Prefix  string  `yaml:"prefix"`
	Name    string  `yaml:"name,omitempty"`
	Weights Weights `yaml:"weights"`
}

// CombinationRule fires when the optional principal prefix matches and every
// listed secondary and procedure prefix is present.
type CombinationRule struct {
	Name       string   `yaml:"name"`
	Principal  string   `yaml:"principal,omitempty"`
	Secondary  []string `yaml:"secondary,omitempty"`
	Procedures []string `yaml:"procedures,omitempty"`
	Weights    Weights  `yaml:"weights"`
}

// RangeRule matches an inclusive integer band; a nil bound is open.
type RangeRule struct {
	Name    string  `yaml:"name"`
	Min     *int    `yaml:"min,omitempty"`
	Max     *int    `yaml:"max,omitempty"`
	Weights Weights `yaml:"weights"`
}

// Contains reports whether v falls inside the band.
func (r RangeRule) Contains(v int) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

type DepartmentRule struct {
	Department string  `yaml:"department"`
	Weights    Weights `yaml:"weights"`
}

// RiskCheck is the weight and wording of one completeness check.
// Description may contain {codes} or {los} placeholders.
type RiskCheck struct {
	Weight      float64 `yaml:"weight"`
	Description string  `yaml:"description"`
	Mitigation  string  `yaml:"mitigation"`
}

type CodeSet struct {
	Codes  []string `yaml:"codes"`
	Reason string   `yaml:"reason"`
}

type RiskRules struct {
	PrincipalUnclear     RiskCheck `yaml:"principal_unclear"`
	MissingComorbidity   RiskCheck `yaml:"missing_comorbidity"`
	MissingNotes         RiskCheck `yaml:"missing_notes"`
	RejectedCombination  RiskCheck `yaml:"rejected_combination"`
	AbnormalLOS          RiskCheck `yaml:"abnormal_los"`
	ShortStay            RiskCheck `yaml:"short_stay"`
	ComorbidityTypical   []string  `yaml:"comorbidity_typical"`
	RejectedCombinations []CodeSet `yaml:"rejected_combinations"`
}

type Suggestion struct {
	Category    domain.Category `yaml:"category"`
	Priority    domain.Priority `yaml:"priority"`
	Description string          `yaml:"description"`
	Impact      float64         `yaml:"impact"`
}

// KeywordRule links a term in the clinical notes to the code prefixes that
// document it. A procedure rule without codes is satisfied by any procedure.
type KeywordRule struct {
	Keyword string   `yaml:"keyword"`
	Codes   []string `yaml:"codes"`
}

// Table is the whole rule set. It is immutable once loaded.
type Table struct {
	Version      string                  `yaml:"version"`
	Base         Weights                 `yaml:"base"`
	Principal    []PrincipalRule         `yaml:"principal"`
	Combinations []CombinationRule       `yaml:"combinations"`
	LengthOfStay []RangeRule             `yaml:"length_of_stay"`
	Departments  []DepartmentRule        `yaml:"departments"`
	Age          []RangeRule             `yaml:"age"`
	Risk         RiskRules               `yaml:"risk"`
	Upgrades     map[string][]Suggestion `yaml:"upgrades"`
	Keywords     []KeywordRule           `yaml:"keywords"`
	// ProcedureKeywords flag treatments named in the notes but not coded.
	ProcedureKeywords []KeywordRule `yaml:"procedure_keywords"`
	// RequirementKeywords pick the guideline sentences that describe what
	// must be documented for a higher group.
	RequirementKeywords []string `yaml:"requirement_keywords"`
}

// Default returns the built-in table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded table is invalid: %v", err))
	}
	return t
}

// Load reads a table from path. An empty path yields the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a YAML table. Codes are normalized and
// principal rules are sorted longest prefix first.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	t.normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) normalize() {
	for i := range t.Principal {
		t.Principal[i].Prefix = domain.NormalizeCode(t.Principal[i].Prefix)
		if t.Principal[i].Name == "" {
			t.Principal[i].Name = t.Principal[i].Prefix
		}
	}
	sort.SliceStable(t.Principal, func(i, j int) bool {
		return len(t.Principal[i].Prefix) > len(t.Principal[j].Prefix)
	})
	for i := range t.Combinations {
		c := &t.Combinations[i]
		c.Principal = domain.NormalizeCode(c.Principal)
		c.Secondary = normalizeAll(c.Secondary)
		c.Procedures = normalizeAll(c.Procedures)
	}
	for i := range t.Departments {
		t.Departments[i].Department = strings.TrimSpace(t.Departments[i].Department)
	}
	t.Risk.ComorbidityTypical = normalizeAll(t.Risk.ComorbidityTypical)
	for i := range t.Risk.RejectedCombinations {
		t.Risk.RejectedCombinations[i].Codes = normalizeAll(t.Risk.RejectedCombinations[i].Codes)
	}
	for i := range t.Keywords {
		t.Keywords[i].Keyword = strings.TrimSpace(t.Keywords[i].Keyword)
		t.Keywords[i].Codes = normalizeAll(t.Keywords[i].Codes)
	}
	for i := range t.ProcedureKeywords {
		t.ProcedureKeywords[i].Keyword = strings.TrimSpace(t.ProcedureKeywords[i].Keyword)
		t.ProcedureKeywords[i].Codes = normalizeAll(t.ProcedureKeywords[i].Codes)
	}
	requirements := t.RequirementKeywords[:0]
	for _, k := range t.RequirementKeywords {
		if k = strings.TrimSpace(k); k != "" {
			requirements = append(requirements, k)
		}
	}
	t.RequirementKeywords = requirements
	upgrades := make(map[string][]Suggestion, len(t.Upgrades))
	for g, s := range t.Upgrades {
		upgrades[strings.ToUpper(g)] = s
	}
	t.Upgrades = upgrades
}

// Validate rejects tables that could produce negative base scores or
// reference unknown groups or priorities.
func (t *Table) Validate() error {
	var errs []error
	if t.Base.A < 0 || t.Base.B < 0 || t.Base.C < 0 {
		errs = append(errs, errors.New("base weights must not be negative"))
	}
	for _, p := range t.Principal {
		if p.Prefix == "" {
			errs = append(errs, errors.New("principal rule without prefix"))
		}
	}
	for _, c := range t.Combinations {
		if c.Principal == "" && len(c.Secondary) == 0 && len(c.Procedures) == 0 {
			errs = append(errs, fmt.Errorf("combination %q matches every case", c.Name))
		}
	}
	for _, r := range append(append([]RangeRule(nil), t.LengthOfStay...), t.Age...) {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			errs = append(errs, fmt.Errorf("range %q has min above max", r.Name))
		}
	}
	for g, list := range t.Upgrades {
		if _, ok := domain.ParseGroup(g); !ok {
			errs = append(errs, fmt.Errorf("upgrades for unknown group %q", g))
		}
		for _, s := range list {
			if s.Priority.Rank() == 0 {
				errs = append(errs, fmt.Errorf("upgrade %q has unknown priority %q", s.Description, s.Priority))
			}
		}
	}
	for _, k := range append(append([]KeywordRule(nil), t.Keywords...), t.ProcedureKeywords...) {
		if k.Keyword == "" {
			errs = append(errs, errors.New("keyword rule without keyword"))
		}
	}
	for _, c := range t.Risk.RejectedCombinations {
		if len(c.Codes) < 2 {
			errs = append(errs, fmt.Errorf("rejected combination %v needs at least two codes", c.Codes))
		}
	}
	return errors.Join(errs...)
}

// MatchPrincipal returns the longest principal rule whose prefix matches
// code.
func (t *Table) MatchPrincipal(code string) (PrincipalRule, bool) {
	code = domain.NormalizeCode(code)
	for _, p := range t.Principal {
		if strings.HasPrefix(code, p.Prefix) {
			return p, true
		}
	}
	return PrincipalRule{}, false
}

// UpgradesFor returns the upgrade guidance configured for group g.
func (t *Table) UpgradesFor(g domain.Group) []Suggestion {
	return t.Upgrades[string(g)]
}

// HasPrefix reports whether any normalized code starts with prefix.
func HasPrefix(codes []string, prefix string) bool {
	for _, c := range codes {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func normalizeAll(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if n := domain.NormalizeCode(c); n != "" {
			out = append(out, n)
		}
	}
	return out
}
