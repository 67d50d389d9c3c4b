package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocType(t *testing.T) {
	for _, typ := range DocTypes {
		got, err := ParseDocType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	_, err := ParseDocType("leaflet")
	assert.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)

	_, err = ParseDocType("")
	assert.Error(t, err)
}

func TestParseGroup(t *testing.T) {
	g, ok := ParseGroup(" b ")
	assert.True(t, ok)
	assert.Equal(t, GroupB, g)

	_, ok = ParseGroup("D")
	assert.False(t, ok)
}

func TestClinicalCase_Validate(t *testing.T) {
	age := func(n int) *int { return &n }

	assert.NoError(t, ClinicalCase{PrincipalDiagnosis: "I50"}.Validate())
	assert.NoError(t, ClinicalCase{PrincipalDiagnosis: "I50", Age: age(0), LengthOfStay: age(0)}.Validate())

	cases := map[string]ClinicalCase{
		"principal_diagnosis": {PrincipalDiagnosis: "  "},
		"age":                 {PrincipalDiagnosis: "I50", Age: age(151)},
		"length_of_stay":      {PrincipalDiagnosis: "I50", LengthOfStay: age(-1)},
		"secondary_diagnoses": {PrincipalDiagnosis: "I50", SecondaryDiagnoses: []string{"E11", ""}},
		"procedures":          {PrincipalDiagnosis: "I50", Procedures: []string{" "}},
	}
	for field, cs := range cases {
		t.Run(field, func(t *testing.T) {
			var verr *ValidationError
			require.ErrorAs(t, cs.Validate(), &verr)
			assert.Equal(t, field, verr.Field)
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "I500", NormalizeCode("i50.0"))
	assert.Equal(t, "I500", NormalizeCode(" I50 0 "))
	assert.Equal(t, "", NormalizeCode(""))
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("urgent").Rank())
}

func TestProbabilitiesOf(t *testing.T) {
	p := Probabilities{A: 0.2, B: 0.5, C: 0.3}
	assert.Equal(t, 0.2, p.Of(GroupA))
	assert.Equal(t, 0.5, p.Of(GroupB))
	assert.Equal(t, 0.3, p.Of(GroupC))
	assert.Equal(t, 0.0, p.Of(Group("Z")))
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Invalid("age", "bad"), "validation"},
		{fmt.Errorf("document x: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("synthesis: %w", ErrDependencyUnavailable), "dependency_unavailable"},
		{ErrIndexCorruption, "index_corruption"},
		{context.Canceled, "internal"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorKind(tc.err))
	}
}

func TestChunkTokens(t *testing.T) {
	assert.Equal(t, 200, Chunk{TokenStart: 160, TokenEnd: 360}.Tokens())
}
