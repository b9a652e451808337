package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// catalogCmd lists the synced capability catalog with IDs, which is what
// 'agent create --tools/--resources/--prompts' takes as grant references.
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the synced capability catalog",
	Long: `Lists every tool, resource and prompt synced from the registered servers,
with the capability IDs used when granting access to agents.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		tools, err := st.ListTools(ctx)
		if err != nil {
			return err
		}
		t := table.NewWriter()
		t.SetOutputMirror(out)
		t.SetStyle(table.StyleRounded)
		t.SetTitle("Tools")
		t.AppendHeader(table.Row{"ID", "Server", "Name", "Description"})
		for _, tool := range tools {
			t.AppendRow(table.Row{tool.ID, tool.ServerID, tool.Name, tool.Description})
		}
		t.Render()

		resources, err := st.ListResources(ctx)
		if err != nil {
			return err
		}
		t = table.NewWriter()
		t.SetOutputMirror(out)
		t.SetStyle(table.StyleRounded)
		t.SetTitle("Resources")
		t.AppendHeader(table.Row{"ID", "Server", "URI", "MIME Type"})
		for _, r := range resources {
			t.AppendRow(table.Row{r.ID, r.ServerID, r.URI, r.MimeType})
		}
		t.Render()

		prompts, err := st.ListPrompts(ctx)
		if err != nil {
			return err
		}
		t = table.NewWriter()
		t.SetOutputMirror(out)
		t.SetStyle(table.StyleRounded)
		t.SetTitle("Prompts")
		t.AppendHeader(table.Row{"ID", "Server", "Name", "Description"})
		for _, p := range prompts {
			t.AppendRow(table.Row{p.ID, p.ServerID, p.Name, p.Description})
		}
		t.Render()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}
