package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"himcore/internal/domain"
	"himcore/internal/tui"
)

func newTUICmd(a *app) *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Ask questions interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var contextType domain.DocType
			if docType != "" {
				t, err := domain.ParseDocType(docType)
				if err != nil {
					return err
				}
				contextType = t
			}
			stats := a.knowledge.Stats()
			summary := fmt.Sprintf("%d documents, %d chunks, index %s", stats.Documents, stats.Chunks, stats.Index)
			if contextType != "" {
				summary += ", only " + string(contextType)
			}
			timeout := time.Duration(a.cfg.Retriever.SynthesisTimeoutSecs)*time.Second + 10*time.Second
			m := tui.New(a.knowledge, tui.Options{
				Summary:     summary,
				Synthesize:  a.cfg.Synthesis.Enabled,
				ContextType: contextType,
				Timeout:     timeout,
			})
			_, err := tea.NewProgram(m, tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&docType, "type", "t", "", "only search documents of this type")
	return cmd
}
