package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
)

const (
	diabetesRuleDoc = "E11, E14 동시 기재는 규정 위반이다. 제2형 당뇨는 E11.9 코드로 기재한다."
	cdiMemoDoc      = "합병증 기록이 누락된 경우 주치의에게 CDI 문의를 보낸다."
)

func TestCheckCompliance_ViolationAndSuggestedCodes(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	rule := f.ingest(t, domain.DocTypeKCD9Guideline, "KCD 당뇨", diabetesRuleDoc)
	f.ingest(t, domain.DocTypeManualMemo, "당뇨 메모", "E11 E14 메모")

	report, err := f.svc.CheckCompliance(context.Background(), ComplianceRequest{
		Codes:         []string{"e11", "E14"},
		Documentation: "제2형 당뇨 환자, 인슐린 투여",
	})
	require.NoError(t, err)
	assert.False(t, report.Compliant)
	assert.True(t, report.Verified)
	assert.Equal(t, MethodExtractive, report.Method)
	assert.Equal(t, []string{"E11.9"}, report.SuggestedCodes)
	require.NotEmpty(t, report.Sources)
	for _, src := range report.Sources {
		assert.Equal(t, rule, src.DocumentID)
	}
}

func TestCheckCompliance_CompliantAndUnverified(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	ctx := context.Background()

	report, err := f.svc.CheckCompliance(ctx, ComplianceRequest{Codes: []string{"I50"}})
	require.NoError(t, err)
	assert.True(t, report.Compliant)
	assert.False(t, report.Verified)
	assert.Equal(t, MethodNone, report.Method)

	f.ingest(t, domain.DocTypeKCD9Guideline, "", "I50 심부전은 주진단으로 기재할 수 있다.")
	report, err = f.svc.CheckCompliance(ctx, ComplianceRequest{Codes: []string{"I50"}})
	require.NoError(t, err)
	assert.True(t, report.Compliant)
	assert.True(t, report.Verified)
	assert.Empty(t, report.SuggestedCodes)
}

func TestCheckCompliance_SynthesizedReport(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	f.ingest(t, domain.DocTypeKCD9Guideline, "", diabetesRuleDoc)
	f.synth.fn = func(_ context.Context, _ string, _ []domain.ContextChunk) (string, error) {
		return "규정 위반: E14 대신 E11.9 사용을 권고한다.", nil
	}

	report, err := f.svc.CheckCompliance(context.Background(), ComplianceRequest{
		Codes:      []string{"E11", "E14"},
		Synthesize: true,
	})
	require.NoError(t, err)
	assert.Equal(t, MethodSynthesized, report.Method)
	assert.False(t, report.Compliant)
	assert.Equal(t, []string{"E11.9"}, report.SuggestedCodes)
}

func TestCheckCompliance_Validation(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	_, err := f.svc.CheckCompliance(context.Background(), ComplianceRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.CheckCompliance(context.Background(), ComplianceRequest{Codes: []string{"I50", " "}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSuggestedCodes(t *testing.T) {
	text := "J18과 J15는 함께 쓰지 않는다. J18.9 또는 J18을 사용한다. ICD A0 아님"
	assert.Equal(t, []string{"J15", "J18.9"}, SuggestedCodes(text, []string{"j18"}))
	assert.Empty(t, SuggestedCodes("코드 없음", nil))
}

func TestDocumentationQuery_TemplateCitesMemos(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	f.ingest(t, domain.DocTypeManualMemo, "CDI 메모", cdiMemoDoc)

	q, err := f.svc.DocumentationQuery(context.Background(), DocumentationQueryRequest{
		AdmissionID:  "ADM-9",
		MissingItems: []string{"합병증 기록", " "},
		Urgency:      "URGENT",
	})
	require.NoError(t, err)
	assert.Equal(t, MethodExtractive, q.Method)
	assert.Equal(t, UrgencyUrgent, q.Urgency)
	assert.Equal(t, []string{"합병증 기록"}, q.MissingItems)
	assert.Contains(t, q.Text, "[긴급] CDI 문의 (환자 ID: ADM-9)")
	assert.Contains(t, q.Text, "1. 합병증 기록")
	assert.Contains(t, q.Text, "참고 [CDI 메모]")
	require.Len(t, q.Sources, 1)
}

func TestDocumentationQuery_WithoutMemosAndSynthesized(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	ctx := context.Background()
	req := DocumentationQueryRequest{AdmissionID: "ADM-9", MissingItems: []string{"합병증 기록"}}

	q, err := f.svc.DocumentationQuery(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, MethodNone, q.Method)
	assert.Equal(t, UrgencyNormal, q.Urgency)
	assert.NotContains(t, q.Text, "[긴급]")
	assert.NotContains(t, q.Text, "참고")

	f.ingest(t, domain.DocTypeManualMemo, "CDI 메모", cdiMemoDoc)
	req.Synthesize = true
	q, err = f.svc.DocumentationQuery(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, MethodSynthesized, q.Method)
	assert.Contains(t, q.Text, "ADM-9")
	assert.Contains(t, q.Text, "first CDI 메모")
}

func TestDocumentationQuery_Validation(t *testing.T) {
	f := newFixture(t, KnowledgeOptions{})
	_, err := f.svc.DocumentationQuery(context.Background(), DocumentationQueryRequest{MissingItems: []string{"  "}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.DocumentationQuery(context.Background(), DocumentationQueryRequest{
		MissingItems: []string{"합병증"},
		Urgency:      "soon",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
