// Package recommend merges group, risk and guideline output into a short,
// ranked action list.
package recommend

import (
	"fmt"
	"sort"
	"strings"

	"himcore/internal/domain"
	"himcore/internal/rules"
	"himcore/internal/summarizer"
)

const (
	DefaultSeverityCutoff = 0.1
	DefaultMaxItems       = 5
	DefaultExcerptRunes   = 160
	// ContextRunes is the window kept on each side of a keyword in the notes.
	ContextRunes = 50
)

type Config struct {
	// SeverityCutoff drops risk factors below this severity.
	SeverityCutoff float64
	MaxItems       int
	ExcerptRunes   int
}

// Excerpt is a guideline passage found for the case.
type Excerpt struct {
	Label   string
	DocType domain.DocType
	Text    string
	Score   float64
}

type Composer struct {
	table *rules.Table
	cfg   Config
}

func New(table *rules.Table, cfg Config) *Composer {
	if table == nil {
		table = rules.Default()
	}
	if cfg.SeverityCutoff < 0 {
		cfg.SeverityCutoff = 0
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.ExcerptRunes <= 0 {
		cfg.ExcerptRunes = DefaultExcerptRunes
	}
	return &Composer{table: table, cfg: cfg}
}

// Compose builds the list: upgrade guidance when the case can move up,
// one item per significant risk factor, coding hints from clinical notes
// and guideline excerpts. Items are deduplicated by normalized description,
// sorted by priority then impact, and capped.
func (c *Composer) Compose(cs domain.ClinicalCase, group domain.GroupPrediction, risk domain.DenialRisk, guidelines []Excerpt) []domain.Recommendation {
	var recs []domain.Recommendation

	if group.CanUpgrade {
		for _, s := range c.table.UpgradesFor(group.Group) {
			recs = append(recs, domain.Recommendation{
				Category:    s.Category,
				Priority:    s.Priority,
				Description: s.Description,
				Impact:      impact(s.Impact),
				Source:      "upgrade:" + string(group.Group),
			})
		}
	}

	for _, f := range risk.Factors {
		if f.Severity < c.cfg.SeverityCutoff {
			continue
		}
		desc := f.Mitigation
		if desc == "" {
			desc = f.Description
		}
		recs = append(recs, domain.Recommendation{
			Category:    riskCategory(f.Code),
			Priority:    severityPriority(f.Severity),
			Description: desc,
			Impact:      impact(f.Severity),
			Source:      "risk:" + f.Code,
		})
	}

	recs = append(recs, c.keywordHints(cs)...)
	recs = append(recs, c.procedureHints(cs)...)

	for _, g := range guidelines {
		text := summarizer.Excerpt(g.Text, c.cfg.ExcerptRunes)
		if text == "" {
			continue
		}
		label := g.Label
		if label == "" {
			label = string(g.DocType)
		}
		recs = append(recs, domain.Recommendation{
			Category:    domain.CategoryDocumentation,
			Priority:    domain.PriorityLow,
			Description: fmt.Sprintf("[%s] %s", label, text),
			Source:      "guideline",
		})
	}

	return Rank(recs, c.cfg.MaxItems)
}

// Rank sorts by priority then impact (items with an impact first), keeps
// the first item per normalized description and truncates to max.
func Rank(recs []domain.Recommendation, max int) []domain.Recommendation {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		switch {
		case a.Impact != nil && b.Impact != nil:
			return *a.Impact > *b.Impact
		case a.Impact != nil:
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(recs))
	out := make([]domain.Recommendation, 0, len(recs))
	for _, r := range recs {
		key := normalize(r.Description)
		if _, dup := seen[key]; dup || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// keywordHints flags conditions named in the notes whose codes are missing.
func (c *Composer) keywordHints(cs domain.ClinicalCase) []domain.Recommendation {
	notes := strings.ToLower(cs.ClinicalNotes)
	if strings.TrimSpace(notes) == "" {
		return nil
	}
	coded := []string{domain.NormalizeCode(cs.PrincipalDiagnosis)}
	for _, code := range cs.SecondaryDiagnoses {
		coded = append(coded, domain.NormalizeCode(code))
	}
	var out []domain.Recommendation
	for _, k := range c.table.Keywords {
		if !strings.Contains(notes, strings.ToLower(k.Keyword)) || anyPrefix(coded, k.Codes) {
			continue
		}
		out = append(out, domain.Recommendation{
			Category:    domain.CategoryDiagnosis,
			Priority:    domain.PriorityMedium,
			Description: fmt.Sprintf("임상 기록에 '%s' 언급: 관련 코드(%s) 기재 여부 확인", k.Keyword, strings.Join(k.Codes, "/")),
			Source:      "keyword:" + k.Keyword,
			Context:     summarizer.Around(cs.ClinicalNotes, k.Keyword, ContextRunes),
		})
	}
	return out
}

// procedureHints flags treatments named in the notes that no coded
// procedure accounts for.
func (c *Composer) procedureHints(cs domain.ClinicalCase) []domain.Recommendation {
	notes := strings.ToLower(cs.ClinicalNotes)
	if strings.TrimSpace(notes) == "" {
		return nil
	}
	coded := make([]string, 0, len(cs.Procedures))
	for _, code := range cs.Procedures {
		coded = append(coded, domain.NormalizeCode(code))
	}
	var out []domain.Recommendation
	for _, k := range c.table.ProcedureKeywords {
		if !strings.Contains(notes, strings.ToLower(k.Keyword)) {
			continue
		}
		if (len(k.Codes) == 0 && len(coded) > 0) || anyPrefix(coded, k.Codes) {
			continue
		}
		desc := fmt.Sprintf("임상 기록에 '%s' 언급: 처치 코드 기재 여부 확인", k.Keyword)
		if len(k.Codes) > 0 {
			desc = fmt.Sprintf("임상 기록에 '%s' 언급: 처치 코드(%s) 기재 여부 확인", k.Keyword, strings.Join(k.Codes, "/"))
		}
		out = append(out, domain.Recommendation{
			Category:    domain.CategoryProcedure,
			Priority:    domain.PriorityMedium,
			Description: desc,
			Source:      "procedure:" + k.Keyword,
			Context:     summarizer.Around(cs.ClinicalNotes, k.Keyword, ContextRunes),
		})
	}
	return out
}

// Requirements picks the guideline sentences that name what must be
// documented to reach a higher group, in passage order without repeats.
func (c *Composer) Requirements(guidelines []Excerpt) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, g := range guidelines {
		for _, sent := range summarizer.Sentences(g.Text) {
			if !c.isRequirement(sent) {
				continue
			}
			key := normalize(sent)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, sent)
			if len(out) == c.cfg.MaxItems {
				return out
			}
		}
	}
	return out
}

func (c *Composer) isRequirement(sentence string) bool {
	for _, k := range c.table.RequirementKeywords {
		if strings.Contains(sentence, k) {
			return true
		}
	}
	return false
}

func anyPrefix(codes, prefixes []string) bool {
	for _, p := range prefixes {
		if rules.HasPrefix(codes, p) {
			return true
		}
	}
	return false
}

func riskCategory(code string) domain.Category {
	switch code {
	case "principal_unclear", "rejected_combination":
		return domain.CategoryDiagnosis
	}
	return domain.CategoryDocumentation
}

func severityPriority(sev float64) domain.Priority {
	switch {
	case sev >= 0.25:
		return domain.PriorityHigh
	case sev >= 0.15:
		return domain.PriorityMedium
	}
	return domain.PriorityLow
}

func impact(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
