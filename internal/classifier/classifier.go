// Package classifier scores a clinical case against the A/B/C groups with an
// auditable rule table.
package classifier

import (
	"math"
	"strings"

	"himcore/internal/domain"
	"himcore/internal/rules"
)

// DefaultUpgradeThreshold is the A-group probability at which a B or C case
// is flagged as upgradeable.
const DefaultUpgradeThreshold = 0.6

// Classifier is a pure function of the case and its rule table.
type Classifier struct {
	table            *rules.Table
	upgradeThreshold float64
}

func New(table *rules.Table, upgradeThreshold float64) *Classifier {
	if table == nil {
		table = rules.Default()
	}
	if upgradeThreshold <= 0 || upgradeThreshold > 1 {
		upgradeThreshold = DefaultUpgradeThreshold
	}
	return &Classifier{table: table, upgradeThreshold: upgradeThreshold}
}

// UpgradeThreshold returns the configured eligibility threshold.
func (c *Classifier) UpgradeThreshold() float64 { return c.upgradeThreshold }

// PredictGroup scores the case, normalizes the scores and picks the group.
// The case must already be valid.
func (c *Classifier) PredictGroup(cs domain.ClinicalCase) domain.GroupPrediction {
	principal := domain.NormalizeCode(cs.PrincipalDiagnosis)
	secondary := normalizeAll(cs.SecondaryDiagnoses)
	procedures := normalizeAll(cs.Procedures)

	var applied []string
	w := c.table.Base
	if rule, ok := c.table.MatchPrincipal(principal); ok {
		w = rule.Weights
		applied = append(applied, "principal:"+rule.Name)
	} else {
		applied = append(applied, "base")
	}
	for _, rule := range c.table.Combinations {
		if comboMatches(rule, principal, secondary, procedures) {
			w = w.Add(rule.Weights)
			applied = append(applied, "combination:"+rule.Name)
		}
	}
	if cs.LengthOfStay != nil {
		for _, rule := range c.table.LengthOfStay {
			if rule.Contains(*cs.LengthOfStay) {
				w = w.Add(rule.Weights)
				applied = append(applied, "length_of_stay:"+rule.Name)
			}
		}
	}
	if dept := strings.TrimSpace(cs.Department); dept != "" {
		for _, rule := range c.table.Departments {
			if rule.Department == dept {
				w = w.Add(rule.Weights)
				applied = append(applied, "department:"+rule.Department)
			}
		}
	}
	if cs.Age != nil {
		for _, rule := range c.table.Age {
			if rule.Contains(*cs.Age) {
				w = w.Add(rule.Weights)
				applied = append(applied, "age:"+rule.Name)
			}
		}
	}

	scores := domain.Probabilities{A: clamp(w.A), B: clamp(w.B), C: clamp(w.C)}
	probs := Normalize(scores)
	group := Argmax(probs)
	return domain.GroupPrediction{
		Group:         group,
		DRGCode:       string(group) + "001",
		Probabilities: probs,
		Confidence:    probs.Of(group),
		CanUpgrade:    group != domain.GroupA && probs.A >= c.upgradeThreshold,
		Scores:        scores,
		AppliedRules:  applied,
	}
}

// Normalize divides by the sum; a zero sum gives the uniform distribution.
func Normalize(s domain.Probabilities) domain.Probabilities {
	sum := s.A + s.B + s.C
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return domain.Probabilities{A: 1.0 / 3, B: 1.0 / 3, C: 1.0 / 3}
	}
	return domain.Probabilities{A: s.A / sum, B: s.B / sum, C: s.C / sum}
}

// Argmax returns the most probable group; ties resolve A, then B, then C.
func Argmax(p domain.Probabilities) domain.Group {
	best := domain.GroupA
	for _, g := range domain.Groups[1:] {
		if p.Of(g) > p.Of(best) {
			best = g
		}
	}
	return best
}

func comboMatches(rule rules.CombinationRule, principal string, secondary, procedures []string) bool {
	if rule.Principal != "" && !strings.HasPrefix(principal, rule.Principal) {
		return false
	}
	for _, p := range rule.Secondary {
		if !rules.HasPrefix(secondary, p) {
			return false
		}
	}
	for _, p := range rule.Procedures {
		if !rules.HasPrefix(procedures, p) {
			return false
		}
	}
	return true
}

func clamp(x float64) float64 {
	if x < 0 || math.IsNaN(x) {
		return 0
	}
	return x
}

func normalizeAll(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		n := domain.NormalizeCode(c)
		if _, dup := seen[n]; dup || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
