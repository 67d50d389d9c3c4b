package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"himcore/internal/classifier"
	"himcore/internal/domain"
	"himcore/internal/metrics"
	"himcore/internal/recommend"
	"himcore/internal/risk"
)

// DefaultRevenueBase converts one CMI point into a currency amount.
const DefaultRevenueBase = 300000

// DefaultCMI is the case-mix weight of each group.
var DefaultCMI = map[domain.Group]float64{
	domain.GroupA: 1.3,
	domain.GroupB: 1.0,
	domain.GroupC: 0.7,
}

// GuidelineSearcher finds guideline passages for a case. KnowledgeService
// satisfies it.
type GuidelineSearcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Source, error)
}

type PredictionOptions struct {
	CMI         map[domain.Group]float64
	RevenueBase float64
	// Guidelines enables the guideline lookup when a searcher is attached.
	Guidelines    bool
	GuidelineType domain.DocType
	GuidelineK    int
	Workers       int
}

func (o PredictionOptions) withDefaults() PredictionOptions {
	if len(o.CMI) == 0 {
		o.CMI = DefaultCMI
	}
	if o.RevenueBase <= 0 {
		o.RevenueBase = DefaultRevenueBase
	}
	if o.GuidelineType == "" {
		o.GuidelineType = domain.DocTypeKDRGGuideline
	}
	if o.GuidelineK <= 0 {
		o.GuidelineK = 2
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

type PredictionDeps struct {
	Classifier *classifier.Classifier
	Risk       *risk.Scorer
	Composer   *recommend.Composer
	Guidelines GuidelineSearcher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Prediction is the combined assessment of one case.
type Prediction struct {
	AdmissionID string `json:"admission_id,omitempty"`
	domain.GroupPrediction
	DenialRisk      domain.DenialRisk       `json:"denial_risk"`
	Recommendations []domain.Recommendation `json:"recommendations"`
	EstimatedCMI    float64                 `json:"estimated_cmi"`
	PotentialCMI    float64                 `json:"potential_cmi"`
	RevenueImpact   float64                 `json:"revenue_impact"`
	// RequiredDocumentation lists guideline sentences naming what a higher
	// group needs. It is empty for group A.
	RequiredDocumentation []string `json:"required_documentation,omitempty"`
}

// PredictionSettings are the thresholds and weights a service scores with.
type PredictionSettings struct {
	UpgradeThreshold float64            `json:"upgrade_threshold"`
	RiskThresholds   risk.Thresholds    `json:"risk_thresholds"`
	CMI              map[string]float64 `json:"cmi"`
	RevenueBase      float64            `json:"revenue_base"`
	Guidelines       bool               `json:"guidelines"`
	GuidelineType    domain.DocType     `json:"guideline_type"`
	GuidelineK       int                `json:"guideline_k"`
}

// BatchResult is the outcome of one case of a batch, in input position.
type BatchResult struct {
	Index       int         `json:"index"`
	AdmissionID string      `json:"admission_id,omitempty"`
	Prediction  *Prediction `json:"prediction,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
}

// PredictionService scores cases. It holds no mutable state and is safe
// for concurrent use.
type PredictionService struct {
	classifier *classifier.Classifier
	risk       *risk.Scorer
	composer   *recommend.Composer
	guidelines GuidelineSearcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	opts       PredictionOptions
}

func NewPredictionService(deps PredictionDeps, opts PredictionOptions) (*PredictionService, error) {
	if deps.Classifier == nil || deps.Risk == nil || deps.Composer == nil {
		return nil, fmt.Errorf("prediction service requires classifier, risk scorer and composer")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &PredictionService{
		classifier: deps.Classifier,
		risk:       deps.Risk,
		composer:   deps.Composer,
		guidelines: deps.Guidelines,
		logger:     logger.With("system", "prediction"),
		metrics:    m,
		opts:       opts.withDefaults(),
	}, nil
}

// Predict validates the case, then runs the classifier, the risk scorer and
// the recommendation composer.
func (s *PredictionService) Predict(ctx context.Context, cs domain.ClinicalCase) (*Prediction, error) {
	start := time.Now()
	if err := cs.Validate(); err != nil {
		s.metrics.PredictionFailed(domain.ErrorKind(err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	group := s.classifier.PredictGroup(cs)
	denial := s.risk.AssessDenialRisk(cs)
	guidelines := s.lookupGuidelines(ctx, cs)
	recs := s.composer.Compose(cs, group, denial, guidelines)

	current := s.opts.CMI[group.Group]
	potential := current
	if group.CanUpgrade {
		potential = s.opts.CMI[upgraded(group.Group)]
	}

	p := &Prediction{
		AdmissionID:     cs.AdmissionID,
		GroupPrediction: group,
		DenialRisk:      denial,
		Recommendations: recs,
		EstimatedCMI:    current,
		PotentialCMI:    potential,
		RevenueImpact:   (potential - current) * s.opts.RevenueBase,
	}
	if group.Group != domain.GroupA {
		p.RequiredDocumentation = s.composer.Requirements(guidelines)
	}
	s.metrics.Predicted(string(group.Group), time.Since(start))
	s.logger.Debug("case predicted",
		"admission_id", cs.AdmissionID, "group", group.Group, "risk", denial.Level, "recommendations", len(recs))
	return p, nil
}

// PredictBatch predicts every case concurrently. Results keep input order and
// a failing case never aborts the others.
func (s *PredictionService) PredictBatch(ctx context.Context, cases []domain.ClinicalCase) []BatchResult {
	results := make([]BatchResult, len(cases))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, cs := range cases {
		g.Go(func() error {
			r := BatchResult{Index: i, AdmissionID: cs.AdmissionID}
			p, err := s.Predict(ctx, cs)
			if err != nil {
				r.Error = err.Error()
				r.ErrorKind = domain.ErrorKind(err)
			} else {
				r.Prediction = p
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Settings reports the thresholds and weights in use.
func (s *PredictionService) Settings() PredictionSettings {
	cmi := make(map[string]float64, len(s.opts.CMI))
	for g, w := range s.opts.CMI {
		cmi[string(g)] = w
	}
	return PredictionSettings{
		UpgradeThreshold: s.classifier.UpgradeThreshold(),
		RiskThresholds:   s.risk.Thresholds(),
		CMI:              cmi,
		RevenueBase:      s.opts.RevenueBase,
		Guidelines:       s.opts.Guidelines && s.guidelines != nil,
		GuidelineType:    s.opts.GuidelineType,
		GuidelineK:       s.opts.GuidelineK,
	}
}

func (s *PredictionService) lookupGuidelines(ctx context.Context, cs domain.ClinicalCase) []recommend.Excerpt {
	if !s.opts.Guidelines || s.guidelines == nil {
		return nil
	}
	sources, err := s.guidelines.Search(ctx, SearchRequest{
		Query:   caseQuery(cs),
		DocType: s.opts.GuidelineType,
		K:       s.opts.GuidelineK,
	})
	if err != nil {
		s.logger.Warn("guideline lookup failed", "principal", cs.PrincipalDiagnosis, "error", err)
		return nil
	}
	out := make([]recommend.Excerpt, len(sources))
	for i, src := range sources {
		out[i] = recommend.Excerpt{Label: src.DocumentLabel, DocType: src.DocumentType, Text: src.Text, Score: src.Score}
	}
	return out
}

// caseQuery describes the whole case in one retrieval query: its codes
// followed by the clinical notes.
func caseQuery(cs domain.ClinicalCase) string {
	parts := []string{strings.TrimSpace(cs.PrincipalDiagnosis)}
	for _, code := range append(append([]string(nil), cs.SecondaryDiagnoses...), cs.Procedures...) {
		if code = strings.TrimSpace(code); code != "" {
			parts = append(parts, code)
		}
	}
	if notes := strings.TrimSpace(cs.ClinicalNotes); notes != "" {
		parts = append(parts, notes)
	}
	return strings.Join(parts, " ")
}

func upgraded(g domain.Group) domain.Group {
	switch g {
	case domain.GroupC:
		return domain.GroupB
	case domain.GroupB:
		return domain.GroupA
	}
	return g
}
