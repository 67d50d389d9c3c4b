package classifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
	"himcore/internal/rules"
)

func intp(v int) *int { return &v }

func assertDistribution(t *testing.T, p domain.GroupPrediction) {
	t.Helper()
	assert.InDelta(t, 1.0, p.Probabilities.A+p.Probabilities.B+p.Probabilities.C, 1e-9)
	maxP := math.Max(p.Probabilities.A, math.Max(p.Probabilities.B, p.Probabilities.C))
	assert.Equal(t, maxP, p.Confidence)
	for _, g := range domain.Groups {
		assert.GreaterOrEqual(t, p.Probabilities.Of(g), 0.0)
	}
}

func TestPredictGroup_HeartFailureScenarioIsStable(t *testing.T) {
	c := New(rules.Default(), 0.6)
	cs := domain.ClinicalCase{
		PrincipalDiagnosis: "I50",
		SecondaryDiagnoses: []string{"E11", "I10"},
		Department:         "내과",
	}
	first := c.PredictGroup(cs)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.PredictGroup(cs))
	}
	assertDistribution(t, first)
	assert.Equal(t, domain.GroupB, first.Group)
	assert.Equal(t, "B001", first.DRGCode)
	assert.Equal(t, first.Probabilities.A >= 0.6, first.CanUpgrade)
	assert.False(t, first.CanUpgrade)
	assert.Contains(t, first.AppliedRules, "principal:heart_failure")
	assert.Contains(t, first.AppliedRules, "combination:heart_failure_with_diabetes")
	assert.Contains(t, first.AppliedRules, "department:내과")
}

func TestPredictGroup_SecondaryOrderIrrelevant(t *testing.T) {
	c := New(nil, 0)
	a := c.PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "I50", SecondaryDiagnoses: []string{"E11", "I10"}})
	b := c.PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "i50", SecondaryDiagnoses: []string{"I10", "E11.9", "I10"}})
	assert.Equal(t, a.Probabilities, b.Probabilities)
}

func TestPredictGroup_ZeroScoresFallBackToUniform(t *testing.T) {
	tbl, err := rules.Parse([]byte(`base: {a: 0, b: 0, c: 0}`))
	require.NoError(t, err)
	p := New(tbl, 0.3).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "Z00"})
	assertDistribution(t, p)
	assert.InDelta(t, 1.0/3, p.Probabilities.A, 1e-12)
	assert.Equal(t, domain.GroupA, p.Group)
	assert.False(t, p.CanUpgrade)
}

func TestPredictGroup_NegativeAdjustmentsAreClamped(t *testing.T) {
	tbl, err := rules.Parse([]byte(`
base: {a: 0.1, b: 0.5, c: 0.4}
departments:
  - {department: 응급의학과, weights: {c: -2}}
`))
	require.NoError(t, err)
	p := New(tbl, 0.6).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "Z00", Department: "응급의학과"})
	assertDistribution(t, p)
	assert.Equal(t, 0.0, p.Scores.C)
	assert.Equal(t, 0.0, p.Probabilities.C)
}

func TestPredictGroup_TieBreaksAThenBThenC(t *testing.T) {
	tbl, err := rules.Parse([]byte(`base: {a: 0.1, b: 0.45, c: 0.45}`))
	require.NoError(t, err)
	p := New(tbl, 0.6).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "Z00"})
	assert.Equal(t, domain.GroupB, p.Group)

	tbl, err = rules.Parse([]byte(`base: {a: 0.5, b: 0.5, c: 0}`))
	require.NoError(t, err)
	p = New(tbl, 0.6).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "Z00"})
	assert.Equal(t, domain.GroupA, p.Group)
}

func TestPredictGroup_CanUpgradeAtThreshold(t *testing.T) {
	tbl, err := rules.Parse([]byte(`
base: {a: 0.75, b: 0.25, c: 0}
departments:
  - {department: X, weights: {b: 1.0}}
`))
	require.NoError(t, err)
	// a=0.75, b=1.25 -> P(A)=0.375
	p := New(tbl, 0.375).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "Z00", Department: "X"})
	assert.Equal(t, domain.GroupB, p.Group)
	assert.True(t, p.CanUpgrade)

	p = New(tbl, 0.4).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "Z00", Department: "X"})
	assert.False(t, p.CanUpgrade)
}

func TestPredictGroup_GroupANeverUpgrades(t *testing.T) {
	p := New(nil, 0.1).PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "A15"})
	assert.Equal(t, domain.GroupA, p.Group)
	assert.False(t, p.CanUpgrade)
}

func TestPredictGroup_ModifiersApply(t *testing.T) {
	c := New(nil, 0.6)
	base := c.PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: "J18"})
	sick := c.PredictGroup(domain.ClinicalCase{
		PrincipalDiagnosis: "J18",
		SecondaryDiagnoses: []string{"A41.9"},
		Procedures:         []string{"M5850"},
		LengthOfStay:       intp(20),
		Age:                intp(80),
		Department:         "중환자의학과",
	})
	assert.Greater(t, sick.Probabilities.A, base.Probabilities.A)
	assert.Equal(t, domain.GroupA, sick.Group)
	assert.Contains(t, sick.AppliedRules, "combination:pneumonia_with_sepsis")
	assert.Contains(t, sick.AppliedRules, "combination:mechanical_ventilation")
	assert.Contains(t, sick.AppliedRules, "length_of_stay:long_stay")
	assert.Contains(t, sick.AppliedRules, "age:elderly")
}

func TestPredictGroup_DistributionPropertyAcrossCases(t *testing.T) {
	c := New(nil, 0.6)
	codes := []string{"A15", "B20", "C16", "D12", "I50", "I21", "I63", "J18", "N18", "E11", "I10", "Z99", "X"}
	for _, code := range codes {
		for _, los := range []*int{nil, intp(0), intp(1), intp(10), intp(30)} {
			p := c.PredictGroup(domain.ClinicalCase{PrincipalDiagnosis: code, LengthOfStay: los})
			assertDistribution(t, p)
		}
	}
}

func TestNormalize_GuardsNonFiniteSums(t *testing.T) {
	p := Normalize(domain.Probabilities{A: math.Inf(1), B: 1})
	assert.InDelta(t, 1.0/3, p.B, 1e-12)
}
