package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"himcore/internal/domain"
	"himcore/internal/service"
)

type statsView struct {
	Knowledge  service.Stats              `json:"knowledge"`
	Prediction service.PredictionSettings `json:"prediction"`
}

func newStatsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics and scoring thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := statsView{Knowledge: a.knowledge.Stats(), Prediction: a.prediction.Settings()}
			if asJSON {
				return writeJSON(cmd, v)
			}
			k, p := v.Knowledge, v.Prediction
			cmd.Printf("Documents:  %d\n", k.Documents)
			cmd.Printf("Chunks:     %d\n", k.Chunks)
			cmd.Printf("Terms:      %d\n", k.Dimension)
			cmd.Printf("Index:      %s (approximate: %t)\n", k.Index, k.Approximate)
			cmd.Printf("Upgrade:    %.2f\n", p.UpgradeThreshold)
			cmd.Printf("Risk:       high >= %.2f  medium >= %.2f\n", p.RiskThresholds.High, p.RiskThresholds.Medium)
			groups := make([]string, 0, len(p.CMI))
			for g := range p.CMI {
				groups = append(groups, g)
			}
			sort.Strings(groups)
			for _, g := range groups {
				cmd.Printf("CMI %s:      %.2f\n", g, p.CMI[g])
			}
			if p.Guidelines {
				cmd.Printf("Guidelines: %s, top %d\n", p.GuidelineType, p.GuidelineK)
			} else {
				cmd.Println("Guidelines: off")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newComplyCmd(a *app) *cobra.Command {
	var (
		doc        string
		docFile    string
		synthesize bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "comply CODE...",
		Short: "Check diagnosis codes against the KCD guidelines",
		Long: `Searches the KCD guidelines for the given codes and their documentation.
A guideline passage stating a violation marks the codes non-compliant; other
KCD codes it names are listed as suggestions.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if doc != "" && docFile != "" {
				return errors.New("--doc and --doc-file are mutually exclusive")
			}
			if docFile != "" {
				data, err := os.ReadFile(docFile)
				if err != nil {
					return fmt.Errorf("read %s: %w", docFile, err)
				}
				res, err := a.extractor.Extract(cmd.Context(), docFile, data)
				if err != nil {
					return fmt.Errorf("extract %s: %w", docFile, err)
				}
				doc = res.Text
			}
			req := service.ComplianceRequest{Codes: args, Documentation: doc, Synthesize: synthesize}
			if !cmd.Flags().Changed("synthesize") {
				req.Synthesize = a.cfg.Synthesis.Enabled
			}
			report, err := a.knowledge.CheckCompliance(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, report)
			}
			switch {
			case !report.Verified:
				cmd.Println("Compliance: unverified (no KCD guideline found)")
			case report.Compliant:
				cmd.Println("Compliance: ok")
			default:
				cmd.Println("Compliance: violation")
			}
			if len(report.SuggestedCodes) > 0 {
				cmd.Printf("Suggested:  %s\n", strings.Join(report.SuggestedCodes, ", "))
			}
			if report.Verified {
				cmd.Println()
				cmd.Println(report.Report)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "documentation text the codes are based on")
	cmd.Flags().StringVar(&docFile, "doc-file", "", "read the documentation from a file")
	cmd.Flags().BoolVar(&synthesize, "synthesize", false, "write the report with the configured language model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newCDICmd(a *app) *cobra.Command {
	var (
		req    service.DocumentationQueryRequest
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "cdi [CASE_FILE]",
		Short: "Draft a clinical documentation query for missing items",
		Long: `Drafts a query asking the attending clinician to complete the record.
The missing items come from --missing, or from the documentation
recommendations and denial risk factors of the case in CASE_FILE.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("synthesize") {
				req.Synthesize = a.cfg.Synthesis.Enabled
			}
			if len(args) == 1 {
				var c domain.ClinicalCase
				if err := readCases(args[0], cmd.InOrStdin(), &c); err != nil {
					return err
				}
				p, err := a.prediction.Predict(cmd.Context(), c)
				if err != nil {
					return err
				}
				if req.AdmissionID == "" {
					req.AdmissionID = p.AdmissionID
				}
				req.MissingItems = append(req.MissingItems, missingItems(p)...)
				if len(req.MissingItems) == 0 {
					cmd.Println("No missing documentation.")
					return nil
				}
			}
			q, err := a.knowledge.DocumentationQuery(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, q)
			}
			cmd.Println(q.Text)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.AdmissionID, "admission-id", "", "admission identifier")
	f.StringArrayVarP(&req.MissingItems, "missing", "m", nil, "missing documentation item (repeatable)")
	f.StringVar(&req.Urgency, "urgency", service.UrgencyNormal, "normal or urgent")
	f.BoolVar(&req.Synthesize, "synthesize", false, "write the query with the configured language model")
	f.BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// missingItems lists what a prediction says the record lacks.
func missingItems(p *service.Prediction) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(s string) {
		if _, dup := seen[s]; s == "" || dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, r := range p.Recommendations {
		if r.Category == domain.CategoryDocumentation {
			add(r.Description)
		}
	}
	for _, f := range p.DenialRisk.Factors {
		add(f.Description)
	}
	return out
}
