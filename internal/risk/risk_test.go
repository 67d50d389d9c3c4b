package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
	"himcore/internal/rules"
)

func intp(v int) *int { return &v }

func codes(factors []domain.RiskFactor) []string {
	out := make([]string, len(factors))
	for i, f := range factors {
		out[i] = f.Code
	}
	return out
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(rules.Default(), DefaultThresholds)
	require.NoError(t, err)
	return s
}

func TestAssessDenialRisk_CompleteCaseIsLow(t *testing.T) {
	r := newScorer(t).AssessDenialRisk(domain.ClinicalCase{
		PrincipalDiagnosis: "I50.0",
		SecondaryDiagnoses: []string{"E11"},
		LengthOfStay:       intp(7),
		ClinicalNotes:      "호흡곤란으로 입원",
	})
	assert.Equal(t, 0.0, r.Probability)
	assert.Equal(t, domain.RiskLow, r.Level)
	assert.Empty(t, r.Factors)
}

func TestAssessDenialRisk_AccumulatesFactors(t *testing.T) {
	r := newScorer(t).AssessDenialRisk(domain.ClinicalCase{
		PrincipalDiagnosis: "I50",
		LengthOfStay:       intp(0),
	})
	assert.Equal(t, []string{"missing_comorbidity", "missing_notes", "abnormal_los"}, codes(r.Factors))
	assert.InDelta(t, 0.6, r.Probability, 1e-9)
	assert.Equal(t, domain.RiskMedium, r.Level)
	assert.Equal(t, "비정상 재원일수: 0일", r.Factors[2].Description)
	assert.Equal(t, "입퇴원일자 확인", r.Factors[2].Mitigation)
}

func TestAssessDenialRisk_ClampsToOne(t *testing.T) {
	r := newScorer(t).AssessDenialRisk(domain.ClinicalCase{
		PrincipalDiagnosis: "J1",
		SecondaryDiagnoses: []string{"J18", "J15", "I10", "I11"},
		LengthOfStay:       intp(400),
	})
	assert.Contains(t, codes(r.Factors), "principal_unclear")
	assert.Contains(t, codes(r.Factors), "rejected_combination")
	assert.Equal(t, 1.0, r.Probability)
	assert.Equal(t, domain.RiskHigh, r.Level)
}

func TestAssessDenialRisk_RejectedCombinationDescription(t *testing.T) {
	r := newScorer(t).AssessDenialRisk(domain.ClinicalCase{
		PrincipalDiagnosis: "I10",
		SecondaryDiagnoses: []string{"I11.9"},
		ClinicalNotes:      "note",
	})
	require.Len(t, r.Factors, 1)
	assert.Equal(t, "삭감 빈발 코드 조합: I10+I11 (고혈압 코드 중복)", r.Factors[0].Description)
}

func TestAssessDenialRisk_ShortStay(t *testing.T) {
	r := newScorer(t).AssessDenialRisk(domain.ClinicalCase{PrincipalDiagnosis: "K35", LengthOfStay: intp(1), ClinicalNotes: "x"})
	assert.Equal(t, []string{"short_stay"}, codes(r.Factors))
	assert.Equal(t, "단기 재원: 1일", r.Factors[0].Description)
}

func TestThresholds_LevelsAreMonotonic(t *testing.T) {
	th := DefaultThresholds
	rank := map[domain.RiskLevel]int{domain.RiskLow: 0, domain.RiskMedium: 1, domain.RiskHigh: 2}
	prev := -1
	for p := 0.0; p <= 1.0; p += 0.01 {
		cur := rank[th.Level(p)]
		assert.GreaterOrEqual(t, cur, prev, "p=%v", p)
		prev = cur
	}
	assert.Equal(t, domain.RiskHigh, th.Level(0.7))
	assert.Equal(t, domain.RiskMedium, th.Level(0.4))
	assert.Equal(t, domain.RiskLow, th.Level(0.39))
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds.Validate())
	assert.Error(t, Thresholds{High: 0.4, Medium: 0.4}.Validate())
	assert.Error(t, Thresholds{High: 0.3, Medium: 0.5}.Validate())
	assert.Error(t, Thresholds{High: 1.5, Medium: 0.5}.Validate())
	assert.Error(t, Thresholds{High: 0.5, Medium: 0}.Validate())

	_, err := NewScorer(nil, Thresholds{High: 0.2, Medium: 0.3})
	assert.Error(t, err)
}

func TestAssessDenialRisk_ZeroWeightChecksAreSkipped(t *testing.T) {
	tbl, err := rules.Parse([]byte(`risk: {missing_notes: {weight: 0, description: x}}`))
	require.NoError(t, err)
	s, err := NewScorer(tbl, DefaultThresholds)
	require.NoError(t, err)
	r := s.AssessDenialRisk(domain.ClinicalCase{PrincipalDiagnosis: "K35"})
	assert.Empty(t, r.Factors)
}
