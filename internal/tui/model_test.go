package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
	"himcore/internal/service"
)

type stubKnowledge struct {
	got service.AnswerRequest
	ans *service.Answer
	err error
}

func (s *stubKnowledge) Answer(_ context.Context, req service.AnswerRequest) (*service.Answer, error) {
	s.got = req
	return s.ans, s.err
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	return next.(Model)
}

func typeText(m Model, s string) Model {
	for _, r := range s {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(Model)
	}
	return m
}

func TestModel_EnterAsksAndRendersSources(t *testing.T) {
	stub := &stubKnowledge{ans: &service.Answer{
		Text:   "심부전은 I50으로 기재한다.",
		Method: service.MethodExtractive,
		Sources: []service.Source{
			{DocumentLabel: "지침", DocumentType: domain.DocTypeKDRGGuideline, Score: 0.8, Text: "첫 문장. 심부전은 I50으로 기재한다."},
			{DocumentLabel: "메모", DocumentType: domain.DocTypeManualMemo, Score: 0.4, Text: "메모 내용"},
		},
	}}
	m := sized(t, New(stub, Options{ContextType: domain.DocTypeKDRGGuideline}))
	m = typeText(m, "심부전")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.busy)

	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.False(t, m.busy)
	assert.Equal(t, "심부전", stub.got.Question)
	assert.Equal(t, domain.DocTypeKDRGGuideline, stub.got.ContextType)
	assert.Contains(t, m.status, "extractive")
	assert.Contains(t, m.renderAnswer(), "Source 1/2")
	assert.Contains(t, m.renderAnswer(), "지침")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	assert.Contains(t, m.renderAnswer(), "Source 2/2")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	assert.Contains(t, m.renderAnswer(), "Source 1/2")
}

func TestModel_TabTogglesSynthesis(t *testing.T) {
	stub := &stubKnowledge{ans: &service.Answer{Text: service.NoRelevantKnowledge, Method: service.MethodNone, Sources: []service.Source{}}}
	m := sized(t, New(stub, Options{}))
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.True(t, m.synthesize)

	m = typeText(m, "x")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.True(t, stub.got.Synthesize)
	assert.Equal(t, service.NoRelevantKnowledge, m.renderAnswer())
}

func TestModel_ErrorShownInStatus(t *testing.T) {
	stub := &stubKnowledge{err: errors.New("boom")}
	m := sized(t, New(stub, Options{}))
	next, _ := m.Update(answerMsg{question: "q", err: stub.err})
	m = next.(Model)
	assert.Equal(t, "Error: boom", m.status)
	assert.Equal(t, "No answer yet.", m.renderAnswer())
	assert.Contains(t, m.View(), "HIM Knowledge Console")
}

func TestHighlightBestSentence_PicksOverlap(t *testing.T) {
	text := "폐렴은 J18. 심부전은 I50 코드. 당뇨는 E11."
	out := highlightBestSentence(text, "심부전은 i50")
	assert.Contains(t, out, "폐렴은 J18.")
	assert.Contains(t, out, "당뇨는 E11.")
	assert.Contains(t, out, "심부전은 I50 코드.")

	assert.Equal(t, "a. b.", highlightBestSentence("a. b.", ""))
}
