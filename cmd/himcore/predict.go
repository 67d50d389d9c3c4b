package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"himcore/internal/domain"
	"himcore/internal/service"
)

// readCases decodes a JSON or YAML case file. YAML is a superset of JSON so
// one decoder serves both. "-" reads stdin.
func readCases(path string, stdin io.Reader, out any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func newPredictCmd(a *app) *cobra.Command {
	var (
		cs     domain.ClinicalCase
		age    int
		los    int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "predict [CASE_FILE]",
		Short: "Predict the group, denial risk and recommendations of one case",
		Long: `Scores one inpatient case. The case comes from a JSON or YAML file
("-" for stdin) or from flags; flags override fields read from the file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c domain.ClinicalCase
			if len(args) == 1 {
				if err := readCases(args[0], cmd.InOrStdin(), &c); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("principal") {
				c.PrincipalDiagnosis = cs.PrincipalDiagnosis
			}
			if flags.Changed("secondary") {
				c.SecondaryDiagnoses = cs.SecondaryDiagnoses
			}
			if flags.Changed("procedure") {
				c.Procedures = cs.Procedures
			}
			if flags.Changed("gender") {
				c.Gender = cs.Gender
			}
			if flags.Changed("department") {
				c.Department = cs.Department
			}
			if flags.Changed("notes") {
				c.ClinicalNotes = cs.ClinicalNotes
			}
			if flags.Changed("admission-id") {
				c.AdmissionID = cs.AdmissionID
			}
			if flags.Changed("age") {
				c.Age = &age
			}
			if flags.Changed("los") {
				c.LengthOfStay = &los
			}

			p, err := a.prediction.Predict(cmd.Context(), c)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, p)
			}
			printPrediction(cmd, p)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cs.PrincipalDiagnosis, "principal", "p", "", "principal diagnosis code")
	f.StringSliceVarP(&cs.SecondaryDiagnoses, "secondary", "s", nil, "secondary diagnosis codes")
	f.StringSliceVar(&cs.Procedures, "procedure", nil, "procedure codes")
	f.IntVar(&age, "age", 0, "patient age")
	f.StringVar(&cs.Gender, "gender", "", "patient gender")
	f.StringVar(&cs.Department, "department", "", "treating department")
	f.IntVar(&los, "los", 0, "length of stay in days")
	f.StringVar(&cs.ClinicalNotes, "notes", "", "free-text clinical notes")
	f.StringVar(&cs.AdmissionID, "admission-id", "", "admission identifier")
	f.BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func printPrediction(cmd *cobra.Command, p *service.Prediction) {
	if p.AdmissionID != "" {
		cmd.Printf("Admission:  %s\n", p.AdmissionID)
	}
	cmd.Printf("Group:      %s (%s)  confidence %.2f\n", p.Group, p.DRGCode, p.Confidence)
	cmd.Printf("            A %.2f  B %.2f  C %.2f\n", p.Probabilities.A, p.Probabilities.B, p.Probabilities.C)
	cmd.Printf("Denial:     %s  %.2f\n", p.DenialRisk.Level, p.DenialRisk.Probability)
	for _, f := range p.DenialRisk.Factors {
		cmd.Printf("            - %s (%.2f)\n", f.Description, f.Severity)
	}
	cmd.Printf("CMI:        %.2f -> %.2f  revenue impact %.0f\n", p.EstimatedCMI, p.PotentialCMI, p.RevenueImpact)
	if len(p.RequiredDocumentation) > 0 {
		cmd.Println("Required documentation:")
		for _, req := range p.RequiredDocumentation {
			cmd.Printf("  - %s\n", req)
		}
	}
	if len(p.Recommendations) == 0 {
		return
	}
	cmd.Println("Recommendations:")
	for i, r := range p.Recommendations {
		cmd.Printf("  %d. [%s/%s] %s\n", i+1, r.Priority, r.Category, r.Description)
		if r.Context != "" {
			cmd.Printf("     \"%s\"\n", r.Context)
		}
	}
}

func newBatchCmd(a *app) *cobra.Command {
	var failOnError bool
	cmd := &cobra.Command{
		Use:   "batch CASES_FILE",
		Short: "Predict a list of cases concurrently",
		Long: `Reads a JSON or YAML array of cases ("-" for stdin) and prints one
result per case, in input order. A failing case is reported in its own result
and does not stop the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cases []domain.ClinicalCase
			if err := readCases(args[0], cmd.InOrStdin(), &cases); err != nil {
				return err
			}
			results := a.prediction.PredictBatch(cmd.Context(), cases)
			if err := writeJSON(cmd, results); err != nil {
				return err
			}
			var failed []string
			for _, r := range results {
				if r.Error != "" {
					failed = append(failed, fmt.Sprintf("#%d", r.Index))
				}
			}
			a.logger.Info("batch finished", "cases", len(results), "failed", len(failed))
			if failOnError && len(failed) > 0 {
				return errors.New("failed cases: " + strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "exit non-zero when any case fails")
	return cmd
}
