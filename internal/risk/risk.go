// Package risk estimates claim denial risk from documentation completeness
// checks.
package risk

import (
	"fmt"
	"strconv"
	"strings"

	"himcore/internal/domain"
	"himcore/internal/rules"
)

// Thresholds are the inclusive lower bounds of the MEDIUM and HIGH tiers.
type Thresholds struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
}

// DefaultThresholds are the tier bounds used when none are configured.
var DefaultThresholds = Thresholds{High: 0.7, Medium: 0.4}

// Validate requires 0 < Medium < High <= 1.
func (t Thresholds) Validate() error {
	if !(t.Medium > 0 && t.Medium < t.High && t.High <= 1) {
		return fmt.Errorf("risk thresholds must satisfy 0 < medium (%v) < high (%v) <= 1", t.Medium, t.High)
	}
	return nil
}

// Level maps a probability onto its tier.
func (t Thresholds) Level(p float64) domain.RiskLevel {
	switch {
	case p >= t.High:
		return domain.RiskHigh
	case p >= t.Medium:
		return domain.RiskMedium
	}
	return domain.RiskLow
}

// Scorer accumulates weighted completeness checks.
type Scorer struct {
	rules      rules.RiskRules
	thresholds Thresholds
}

func NewScorer(table *rules.Table, th Thresholds) (*Scorer, error) {
	if table == nil {
		table = rules.Default()
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{rules: table.Risk, thresholds: th}, nil
}

// Thresholds returns the tier bounds in use.
func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// AssessDenialRisk runs every check against a valid case.
func (s *Scorer) AssessDenialRisk(cs domain.ClinicalCase) domain.DenialRisk {
	principal := domain.NormalizeCode(cs.PrincipalDiagnosis)
	secondary := make([]string, 0, len(cs.SecondaryDiagnoses))
	for _, c := range cs.SecondaryDiagnoses {
		if n := domain.NormalizeCode(c); n != "" {
			secondary = append(secondary, n)
		}
	}
	all := append([]string{principal}, secondary...)

	var factors []domain.RiskFactor
	add := func(code string, check rules.RiskCheck, vars map[string]string) {
		if check.Weight <= 0 {
			return
		}
		desc := check.Description
		for k, v := range vars {
			desc = strings.ReplaceAll(desc, "{"+k+"}", v)
		}
		factors = append(factors, domain.RiskFactor{
			Code:        code,
			Description: desc,
			Severity:    check.Weight,
			Mitigation:  check.Mitigation,
		})
	}

	if len(principal) < 3 {
		add("principal_unclear", s.rules.PrincipalUnclear, nil)
	}
	if len(secondary) == 0 && typical(principal, s.rules.ComorbidityTypical) {
		add("missing_comorbidity", s.rules.MissingComorbidity, nil)
	}
	if strings.TrimSpace(cs.ClinicalNotes) == "" {
		add("missing_notes", s.rules.MissingNotes, nil)
	}
	for _, combo := range s.rules.RejectedCombinations {
		if containsAll(all, combo.Codes) {
			codes := strings.Join(combo.Codes, "+")
			if combo.Reason != "" {
				codes += " (" + combo.Reason + ")"
			}
			add("rejected_combination", s.rules.RejectedCombination, map[string]string{"codes": codes})
		}
	}
	if cs.LengthOfStay != nil {
		los := *cs.LengthOfStay
		vars := map[string]string{"los": strconv.Itoa(los)}
		switch {
		case los < 1 || los > 365:
			add("abnormal_los", s.rules.AbnormalLOS, vars)
		case los < 2:
			add("short_stay", s.rules.ShortStay, vars)
		}
	}

	p := 0.0
	for _, f := range factors {
		p += f.Severity
	}
	p = clamp01(p)
	return domain.DenialRisk{
		Probability: p,
		Level:       s.thresholds.Level(p),
		Factors:     factors,
	}
}

func typical(principal string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(principal, p) {
			return true
		}
	}
	return false
}

func containsAll(codes, prefixes []string) bool {
	for _, p := range prefixes {
		if !rules.HasPrefix(codes, p) {
			return false
		}
	}
	return true
}

func clamp01(x float64) float64 {
	switch {
	case x != x || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
