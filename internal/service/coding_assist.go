package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"himcore/internal/domain"
	"himcore/internal/summarizer"
)

// codePattern matches KCD codes such as I50 or I50.0.
var codePattern = regexp.MustCompile(`\b[A-Z]\d{2}(?:\.\d{1,2})?\b`)

const (
	// ViolationMarker in a compliance answer marks the coding as non-compliant.
	ViolationMarker     = "위반"
	complianceDocRunes  = 500
	cdiReferenceSources = 2
)

// Urgency levels of a documentation query.
const (
	UrgencyNormal = "normal"
	UrgencyUrgent = "urgent"
)

type ComplianceRequest struct {
	Codes         []string
	Documentation string
	Synthesize    bool
}

// ComplianceReport is the verdict on a set of diagnosis codes. Verified is
// false when no KCD guideline passage was found to check against.
type ComplianceReport struct {
	Compliant      bool     `json:"is_compliant"`
	Verified       bool     `json:"verified"`
	Report         string   `json:"compliance_report"`
	SuggestedCodes []string `json:"suggested_codes"`
	Method         string   `json:"method"`
	Sources        []Source `json:"sources"`
}

// CheckCompliance checks diagnosis codes and their documentation against the
// KCD guidelines.
func (s *KnowledgeService) CheckCompliance(ctx context.Context, req ComplianceRequest) (*ComplianceReport, error) {
	codes := make([]string, 0, len(req.Codes))
	for _, c := range req.Codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			return nil, domain.Invalid("codes", "empty code")
		}
		codes = append(codes, c)
	}
	if len(codes) == 0 {
		return nil, domain.Invalid("codes", "required")
	}

	question := "진단코드: " + strings.Join(codes, ", ")
	if doc := summarizer.Excerpt(req.Documentation, complianceDocRunes); doc != "" {
		question += "\n문서화 내용: " + doc
	}
	ans, err := s.Answer(ctx, AnswerRequest{
		Question:    question,
		ContextType: domain.DocTypeKCD9Guideline,
		Synthesize:  req.Synthesize,
	})
	if err != nil {
		return nil, err
	}
	report := &ComplianceReport{
		Compliant:      !strings.Contains(ans.Text, ViolationMarker),
		Verified:       ans.Method != MethodNone,
		Report:         ans.Text,
		SuggestedCodes: SuggestedCodes(ans.Text, codes),
		Method:         ans.Method,
		Sources:        ans.Sources,
	}
	s.logger.Debug("compliance checked",
		"codes", codes, "compliant", report.Compliant, "verified", report.Verified, "method", report.Method)
	return report, nil
}

// SuggestedCodes lists the KCD codes mentioned in text in order of first
// appearance, leaving out the submitted ones.
func SuggestedCodes(text string, submitted []string) []string {
	seen := make(map[string]struct{}, len(submitted))
	for _, c := range submitted {
		seen[domain.NormalizeCode(c)] = struct{}{}
	}
	out := []string{}
	for _, code := range codePattern.FindAllString(text, -1) {
		n := domain.NormalizeCode(code)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, code)
	}
	return out
}

type DocumentationQueryRequest struct {
	AdmissionID  string
	MissingItems []string
	Urgency      string
	Synthesize   bool
}

// DocumentationQuery is a request to the attending clinician to complete the
// record before coding.
type DocumentationQuery struct {
	AdmissionID  string   `json:"admission_id"`
	Text         string   `json:"query_text"`
	MissingItems []string `json:"missing_items"`
	Urgency      string   `json:"urgency"`
	Method       string   `json:"method"`
	Sources      []Source `json:"sources"`
}

// DocumentationQuery drafts a clinical documentation query for the missing
// items. In-house memos are searched for wording to cite; the synthesizer
// writes the query when asked, otherwise a fixed template is filled.
func (s *KnowledgeService) DocumentationQuery(ctx context.Context, req DocumentationQueryRequest) (*DocumentationQuery, error) {
	items := make([]string, 0, len(req.MissingItems))
	for _, it := range req.MissingItems {
		if it = strings.TrimSpace(it); it != "" {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, domain.Invalid("missing_items", "required")
	}
	urgency := strings.ToLower(strings.TrimSpace(req.Urgency))
	switch urgency {
	case "":
		urgency = UrgencyNormal
	case UrgencyNormal, UrgencyUrgent:
	default:
		return nil, domain.Invalid("urgency", "must be normal or urgent")
	}
	admission := strings.TrimSpace(req.AdmissionID)

	sources, err := s.Search(ctx, SearchRequest{
		Query:   strings.Join(items, " "),
		DocType: domain.DocTypeManualMemo,
		K:       cdiReferenceSources,
	})
	if err != nil {
		return nil, err
	}

	q := &DocumentationQuery{
		AdmissionID:  admission,
		MissingItems: items,
		Urgency:      urgency,
		Sources:      sources,
	}
	if req.Synthesize && s.synthesizer != nil && len(sources) > 0 {
		text, err := s.synthesize(ctx, cdiInstruction(admission, items, urgency), sources)
		if err == nil {
			q.Text, q.Method = text, MethodSynthesized
			return q, nil
		}
		s.metrics.SynthesisFailed()
		s.logger.Warn("synthesis failed, using query template", "synthesizer", s.synthesizer.Name(), "error", err)
	}
	q.Text = cdiTemplate(admission, items, urgency, sources)
	q.Method = MethodExtractive
	if len(sources) == 0 {
		q.Method = MethodNone
	}
	return q, nil
}

func cdiInstruction(admission string, items []string, urgency string) string {
	return fmt.Sprintf("환자 ID: %s\n누락된 문서화 항목: %s\n긴급도: %s\n"+
		"의료진에게 보낼 정중한 문의 문구를 작성하세요. K-DRG 기준의 정확한 코딩에 필요한 사항임을 밝히세요.",
		admission, strings.Join(items, ", "), urgency)
}

func cdiTemplate(admission string, items []string, urgency string, sources []Source) string {
	var b strings.Builder
	if urgency == UrgencyUrgent {
		b.WriteString("[긴급] ")
	}
	b.WriteString("CDI 문의")
	if admission != "" {
		b.WriteString(" (환자 ID: " + admission + ")")
	}
	b.WriteString("\n\nK-DRG 기준에 맞는 정확한 코딩을 위해 아래 항목의 기록 보완을 부탁드립니다.\n")
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it)
	}
	for _, src := range sources {
		fmt.Fprintf(&b, "\n참고 [%s] %s", src.DocumentLabel, src.Excerpt)
	}
	if len(sources) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("\n확인 후 회신 부탁드립니다.")
	return b.String()
}
