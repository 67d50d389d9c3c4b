package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"himcore/internal/domain"
	"himcore/internal/service"
)

// inferDocType guesses a document type from the file extension when none
// was given.
func inferDocType(path string) domain.DocType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return domain.DocTypeGuideline
	case ".docx", ".doc":
		return domain.DocTypeManualMemo
	case ".xlsx", ".xls", ".csv":
		return domain.DocTypePerformanceMetric
	default:
		return domain.DocTypeGuideline
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func newIngestCmd(a *app) *cobra.Command {
	var (
		docType string
		label   string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Add documents to the knowledge base",
		Long: `Extracts the text of each file, chunks and indexes it. .docx and .xlsx
files are unpacked, .pdf files are read with pdftotext and other files must be
UTF-8 or CP949 text; legacy .doc and .xls files are refused. Without --type the
document type follows the file extension: .pdf is a guideline, .docx a manual
memo and .csv/.xlsx a performance metric.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if label != "" && len(args) > 1 {
				return errors.New("--label applies to a single file")
			}
			var fixed domain.DocType
			if docType != "" {
				t, err := domain.ParseDocType(docType)
				if err != nil {
					return err
				}
				fixed = t
			}

			ctx := cmd.Context()
			results := make([]*service.IngestResult, 0, len(args))
			var ingestErr error
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					ingestErr = fmt.Errorf("read %s: %w", path, err)
					break
				}
				t := fixed
				if t == "" {
					t = inferDocType(path)
				}
				l := label
				if l == "" {
					l = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				text, err := a.extractor.Extract(ctx, path, data)
				if err != nil {
					ingestErr = fmt.Errorf("extract %s: %w", path, err)
					break
				}
				res, err := a.knowledge.Ingest(ctx, service.IngestRequest{Text: text.Text, Type: t, Label: l})
				if err != nil {
					ingestErr = fmt.Errorf("ingest %s: %w", path, err)
					break
				}
				results = append(results, res)
			}
			if len(results) > 0 {
				if err := a.persist(ctx); err != nil {
					return err
				}
			}
			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					cmd.Printf("%s  %d chunks  %d tokens  %s\n", r.DocumentID, r.ChunkCount, r.Tokens, r.Label)
				}
			}
			return ingestErr
		},
	}
	cmd.Flags().StringVarP(&docType, "type", "t", "", "document type (k_drg_guideline, kcd9_guideline, manual_memo, guideline, performance_metric)")
	cmd.Flags().StringVarP(&label, "label", "l", "", "display label (default: file name)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID...",
		Aliases: []string{"rm"},
		Short:   "Delete documents and their chunks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			removed := 0
			var removeErr error
			for _, id := range args {
				if err := a.knowledge.Remove(ctx, id); err != nil {
					removeErr = fmt.Errorf("remove %s: %w", id, err)
					break
				}
				removed++
				cmd.Printf("removed %s\n", id)
			}
			if removed > 0 {
				if err := a.persist(ctx); err != nil {
					return err
				}
			}
			return removeErr
		},
	}
}

type documentView struct {
	ID        string         `json:"id"`
	Type      domain.DocType `json:"type"`
	Label     string         `json:"label"`
	Summary   string         `json:"summary,omitempty"`
	Chunks    int            `json:"chunks"`
	CreatedAt time.Time      `json:"created_at"`
}

type listing struct {
	Stats     service.Stats  `json:"stats"`
	Documents []documentView `json:"documents"`
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List ingested documents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			docs := a.knowledge.Documents()
			stats := a.knowledge.Stats()
			views := make([]documentView, 0, len(docs))
			for _, d := range docs {
				chunks, err := a.knowledge.Chunks(d.ID)
				if err != nil {
					return err
				}
				views = append(views, documentView{
					ID:        d.ID,
					Type:      d.Type,
					Label:     d.Label,
					Summary:   d.Summary,
					Chunks:    len(chunks),
					CreatedAt: d.CreatedAt,
				})
			}
			if asJSON {
				return writeJSON(cmd, listing{Stats: stats, Documents: views})
			}
			if len(views) == 0 {
				cmd.Println("No documents.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tCHUNKS\tLABEL")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", v.ID, v.Type, v.Chunks, v.Label)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			cmd.Printf("\n%d documents, %d chunks, %d terms, index %s%s\n",
				stats.Documents, stats.Chunks, stats.Dimension, stats.Index, approximateNote(stats.Approximate))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newAskCmd(a *app) *cobra.Command {
	var (
		docType    string
		k          int
		minScore   float64
		synthesize bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.AnswerRequest{
				Question:   strings.Join(args, " "),
				K:          k,
				Synthesize: synthesize,
			}
			if !cmd.Flags().Changed("synthesize") {
				req.Synthesize = a.cfg.Synthesis.Enabled
			}
			if docType != "" {
				t, err := domain.ParseDocType(docType)
				if err != nil {
					return err
				}
				req.ContextType = t
			}
			if cmd.Flags().Changed("min-score") {
				req.MinScore = &minScore
			}

			ans, err := a.knowledge.Answer(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, ans)
			}
			cmd.Println(ans.Text)
			if len(ans.Sources) == 0 {
				return nil
			}
			cmd.Println()
			cmd.Printf("Sources (%s):\n", ans.Method)
			for i, src := range ans.Sources {
				cmd.Printf("  [%d] %s (%s) %.3f\n", i+1, src.DocumentLabel, src.DocumentType, src.Score)
			}
			if ans.Approximate {
				cmd.Println("  results come from an approximate index")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&docType, "type", "t", "", "only search documents of this type")
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of passages (default from config)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum similarity (default from config)")
	cmd.Flags().BoolVar(&synthesize, "synthesize", false, "write the answer with the configured language model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every chunk and rebuild the similarity index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.knowledge.Rebuild(ctx); err != nil {
				return err
			}
			if err := a.persist(ctx); err != nil {
				return err
			}
			stats := a.knowledge.Stats()
			cmd.Printf("reindexed %d documents, %d chunks, %d terms\n", stats.Documents, stats.Chunks, stats.Dimension)
			return nil
		},
	}
}

func approximateNote(approximate bool) string {
	if approximate {
		return " (approximate)"
	}
	return ""
}
