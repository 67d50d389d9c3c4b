package recommend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
	"himcore/internal/rules"
)

func fp(v float64) *float64 { return &v }

func descriptions(recs []domain.Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Description
	}
	return out
}

func TestCompose_UpgradeGuidanceOnlyWhenUpgradeable(t *testing.T) {
	c := New(rules.Default(), Config{MaxItems: 10})
	cs := domain.ClinicalCase{PrincipalDiagnosis: "J18"}

	recs := c.Compose(cs, domain.GroupPrediction{Group: domain.GroupB, CanUpgrade: false}, domain.DenialRisk{}, nil)
	assert.Empty(t, recs)

	recs = c.Compose(cs, domain.GroupPrediction{Group: domain.GroupB, CanUpgrade: true}, domain.DenialRisk{}, nil)
	assert.Equal(t, []string{"합병증 상세 기록 추가", "중증도 등급 재평가", "수술/처치 기록 확인"}, descriptions(recs))
	assert.Equal(t, domain.PriorityHigh, recs[0].Priority)
	require.NotNil(t, recs[0].Impact)
	assert.InDelta(t, 0.15, *recs[0].Impact, 1e-12)
}

func TestCompose_RiskFactorsAboveCutoff(t *testing.T) {
	c := New(nil, Config{SeverityCutoff: 0.15})
	risk := domain.DenialRisk{Factors: []domain.RiskFactor{
		{Code: "missing_notes", Severity: 0.15, Mitigation: "임상 경과 기록 첨부"},
		{Code: "short_stay", Severity: 0.1, Mitigation: "입원 필요성 기록 확인"},
		{Code: "rejected_combination", Severity: 0.3, Description: "조합"},
	}}
	recs := c.Compose(domain.ClinicalCase{PrincipalDiagnosis: "K35"}, domain.GroupPrediction{Group: domain.GroupA}, risk, nil)
	require.Len(t, recs, 2)
	assert.Equal(t, "조합", recs[0].Description)
	assert.Equal(t, domain.CategoryDiagnosis, recs[0].Category)
	assert.Equal(t, domain.PriorityHigh, recs[0].Priority)
	assert.Equal(t, domain.PriorityMedium, recs[1].Priority)
	assert.Equal(t, domain.CategoryDocumentation, recs[1].Category)
}

func TestCompose_DeduplicatesByNormalizedDescription(t *testing.T) {
	c := New(nil, Config{})
	group := domain.GroupPrediction{Group: domain.GroupC, CanUpgrade: true}
	risk := domain.DenialRisk{Factors: []domain.RiskFactor{
		{Code: "missing_comorbidity", Severity: 0.25, Mitigation: "  동반질환   기록 강화 "},
	}}
	recs := c.Compose(domain.ClinicalCase{PrincipalDiagnosis: "C16"}, group, risk, nil)
	count := 0
	for _, r := range recs {
		if normalize(r.Description) == "동반질환 기록 강화" {
			count++
			assert.Equal(t, domain.PriorityHigh, r.Priority, "higher-priority duplicate wins")
		}
	}
	assert.Equal(t, 1, count)
}

func TestCompose_KeywordHintsForUncodedConditions(t *testing.T) {
	c := New(nil, Config{})
	cs := domain.ClinicalCase{
		PrincipalDiagnosis: "I50",
		SecondaryDiagnoses: []string{"I10"},
		ClinicalNotes:      "고혈압 및 당뇨 병력, 폐렴 소견",
	}
	recs := c.Compose(cs, domain.GroupPrediction{Group: domain.GroupA}, domain.DenialRisk{}, nil)
	descs := strings.Join(descriptions(recs), "\n")
	assert.Contains(t, descs, "'당뇨'")
	assert.Contains(t, descs, "'폐렴'")
	assert.NotContains(t, descs, "'고혈압'")
}

func TestCompose_GuidelineExcerptsAreLowPriorityAndTruncated(t *testing.T) {
	c := New(nil, Config{ExcerptRunes: 10})
	recs := c.Compose(domain.ClinicalCase{PrincipalDiagnosis: "K35"}, domain.GroupPrediction{Group: domain.GroupA}, domain.DenialRisk{}, []Excerpt{
		{Label: "K-DRG", Text: "충수염 수술 시   처치 코드를 함께 기재한다"},
		{DocType: domain.DocTypeGuideline, Text: "  "},
	})
	require.Len(t, recs, 1)
	assert.Equal(t, domain.PriorityLow, recs[0].Priority)
	assert.Equal(t, "[K-DRG] 충수염 수술 시 처…", recs[0].Description)
	assert.Nil(t, recs[0].Impact)
}

func TestRank_PriorityThenImpactThenCap(t *testing.T) {
	recs := []domain.Recommendation{
		{Priority: domain.PriorityLow, Description: "low"},
		{Priority: domain.PriorityMedium, Description: "medium-none"},
		{Priority: domain.PriorityMedium, Description: "medium-small", Impact: fp(0.05)},
		{Priority: domain.PriorityHigh, Description: "high", Impact: fp(0.01)},
		{Priority: domain.PriorityMedium, Description: "medium-big", Impact: fp(0.2)},
		{Priority: domain.PriorityHigh, Description: "HIGH"},
	}
	got := Rank(recs, 5)
	assert.Equal(t, []string{"high", "medium-big", "medium-small", "medium-none", "low"}, descriptions(got))
}

func TestCompose_ProcedureHintsWithContext(t *testing.T) {
	c := New(nil, Config{MaxItems: 10})
	notes := "복통으로 내원. 응급 수술 시행 후 회복 중."
	cs := domain.ClinicalCase{PrincipalDiagnosis: "K35", ClinicalNotes: notes}

	recs := c.Compose(cs, domain.GroupPrediction{Group: domain.GroupA}, domain.DenialRisk{}, nil)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CategoryProcedure, recs[0].Category)
	assert.Equal(t, "procedure:수술", recs[0].Source)
	assert.Equal(t, "임상 기록에 '수술' 언급: 처치 코드 기재 여부 확인", recs[0].Description)
	assert.Equal(t, notes, recs[0].Context)

	cs.Procedures = []string{"Q2861"}
	recs = c.Compose(cs, domain.GroupPrediction{Group: domain.GroupA}, domain.DenialRisk{}, nil)
	assert.Empty(t, recs)
}

func TestCompose_KeywordHintCarriesNotesContext(t *testing.T) {
	c := New(nil, Config{})
	cs := domain.ClinicalCase{PrincipalDiagnosis: "I50", ClinicalNotes: "당뇨 병력 있음"}
	recs := c.Compose(cs, domain.GroupPrediction{Group: domain.GroupA}, domain.DenialRisk{}, nil)
	require.Len(t, recs, 1)
	assert.Equal(t, "당뇨 병력 있음", recs[0].Context)
}

func TestRequirements_SentencesNamingRequirementKeywords(t *testing.T) {
	c := New(nil, Config{MaxItems: 2})
	got := c.Requirements([]Excerpt{
		{Text: "일반 원칙을 따른다. 동반질환은 모두 기재한다."},
		{Text: "동반질환은 모두 기재한다. 시술 기록을 첨부한다. 처치 내역을 남긴다."},
	})
	assert.Equal(t, []string{"동반질환은 모두 기재한다.", "시술 기록을 첨부한다."}, got)
	assert.Empty(t, c.Requirements(nil))
}
