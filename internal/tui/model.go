package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"himcore/internal/domain"
	"himcore/internal/service"
	"himcore/internal/tokenize"
)

// KnowledgePort is the TUI-facing subset of the knowledge service.
type KnowledgePort interface {
	Answer(ctx context.Context, req service.AnswerRequest) (*service.Answer, error)
}

type answerMsg struct {
	question string
	answer   *service.Answer
	err      error
}

// Model is the Bubble Tea model for the question console.
type Model struct {
	service     KnowledgePort
	input       textinput.Model
	viewport    viewport.Model
	answer      *service.Answer
	summary     string
	status      string
	cursor      int
	ready       bool
	busy        bool
	lastQuery   string
	synthesize  bool
	contextType domain.DocType
	timeout     time.Duration
}

// Options configure a console session.
type Options struct {
	Summary     string
	Synthesize  bool
	ContextType domain.DocType
	// Timeout bounds one question, synthesis included.
	Timeout time.Duration
}

// New creates a new TUI model instance.
func New(svc KnowledgePort, opts Options) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "질문을 입력하고 Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return Model{
		service:     svc,
		input:       ti,
		viewport:    vp,
		summary:     opts.Summary,
		status:      "Ready. Tab toggles synthesis.",
		synthesize:  opts.Synthesize,
		contextType: opts.ContextType,
		timeout:     opts.Timeout,
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(question string) tea.Cmd {
	svc, synth, ctxType, timeout := m.service, m.synthesize, m.contextType, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ans, err := svc.Answer(ctx, service.AnswerRequest{
			Question:    question,
			ContextType: ctxType,
			Synthesize:  synth,
		})
		return answerMsg{question: question, answer: ans, err: err}
	}
}

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2
		totalFooterLines := 1
		reserved := totalHeaderLines + totalFooterLines + qh + 1
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderAnswer())
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.answer = nil
		} else {
			m.answer = msg.answer
			m.cursor = 0
			m.lastQuery = msg.question
			m.status = fmt.Sprintf("%s answer for %q (%d sources)", msg.answer.Method, msg.question, len(msg.answer.Sources))
			if msg.answer.Approximate {
				m.status += ", approximate index"
			}
		}
		m.viewport.SetContent(m.renderAnswer())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.busy {
				m.busy = true
				m.status = fmt.Sprintf("Searching %q...", q)
				return m, m.ask(q)
			}
		case "tab":
			m.synthesize = !m.synthesize
			m.status = fmt.Sprintf("Synthesis %s", onOff(m.synthesize))
			return m, nil
		case "down":
			if m.answer != nil && len(m.answer.Sources) > 0 {
				m.cursor = (m.cursor + 1) % len(m.answer.Sources)
				m.viewport.SetContent(m.renderAnswer())
				return m, nil
			}
		case "up":
			if m.answer != nil && len(m.answer.Sources) > 0 {
				m.cursor = (m.cursor - 1 + len(m.answer.Sources)) % len(m.answer.Sources)
				m.viewport.SetContent(m.renderAnswer())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and current answer.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("HIM Knowledge Console")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderAnswer() string {
	if m.answer == nil {
		return "No answer yet."
	}
	a := m.answer
	if len(a.Sources) == 0 {
		return a.Text
	}
	var b strings.Builder
	if a.Method == service.MethodSynthesized {
		b.WriteString(a.Text)
		b.WriteString("\n\n")
	}
	src := a.Sources[m.cursor]
	fmt.Fprintf(&b, "Source %d/%d  [%s] %s  score=%.3f\n\n",
		m.cursor+1, len(a.Sources), src.DocumentType, src.DocumentLabel, src.Score)
	b.WriteString(highlightBestSentence(src.Text, m.lastQuery))
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	sentenceRe     = regexp.MustCompile(`[^.!?。\n]+(?:[.!?。]+|\n|$)`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return joinTrimmed(sentences)
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	out := make([]string, 0, len(sentences))
	for i, s := range sentences {
		sent := strings.TrimSpace(s)
		if sent == "" {
			continue
		}
		if i == bestIdx {
			sent = highlightStyle.Render(sent)
		}
		out = append(out, sent)
	}
	return strings.Join(out, " ")
}

func joinTrimmed(sentences []string) string {
	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := tokenize.Words(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := make(map[string]struct{})
	for _, t := range tokenize.Words(sentence) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
