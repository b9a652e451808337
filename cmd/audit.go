package cmd

import (
	"encoding/json"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mcpbridge/internal/store"
)

var (
	auditEventType     string
	auditCorrelationID string
	auditAgentID       string
	auditSeverity      string
	auditLimit         int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the gateway audit log",
	Long: `Lists audit events recorded by the gateway. Events belonging to one
request share a correlation ID, so filtering by it reconstructs the full
pipeline of a single call.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.ListAuditEvents(cmd.Context(), store.AuditFilter{
			EventType:     auditEventType,
			CorrelationID: auditCorrelationID,
			AgentID:       auditAgentID,
			Severity:      auditSeverity,
			Limit:         auditLimit,
		})
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Time", "Event", "Severity", "Agent", "Correlation", "Payload"})
		for _, e := range events {
			payload, _ := json.Marshal(e.Payload)
			t.AppendRow(table.Row{
				e.Timestamp.Format(time.RFC3339),
				e.EventType,
				e.Severity,
				e.AgentID,
				e.CorrelationID,
				string(payload),
			})
		}
		t.Render()
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditEventType, "type", "", "Filter by event type")
	auditCmd.Flags().StringVar(&auditCorrelationID, "correlation", "", "Filter by correlation ID")
	auditCmd.Flags().StringVar(&auditAgentID, "agent", "", "Filter by agent ID")
	auditCmd.Flags().StringVar(&auditSeverity, "severity", "", "Filter by severity")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events")

	rootCmd.AddCommand(auditCmd)
}
