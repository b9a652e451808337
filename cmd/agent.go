package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mcpbridge/internal/agent"
	"mcpbridge/internal/store"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent identities and their capability grants",
}

var (
	agentName        string
	agentDescription string
	agentTools       []string
	agentResources   []string
	agentPrompts     []string
)

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new agent identity",
	Long: `Registers a new agent identity and prints its credentials.

The client secret is printed exactly once; only a hash of it is stored, so it
cannot be recovered later. Grant IDs must reference existing capabilities
(see 'mcpbridge catalog').`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		engine := agent.NewEngine(st)
		a, secret, err := engine.Register(cmd.Context(), agent.Metadata{
			Name:        agentName,
			Description: agentDescription,
		}, agent.Grants{
			ToolIDs:     agentTools,
			ResourceIDs: agentResources,
			PromptIDs:   agentPrompts,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Agent %s registered.\n\n", a.Name)
		fmt.Fprintf(out, "  client id:     %s\n", a.ClientID)
		fmt.Fprintf(out, "  client secret: %s\n\n", secret)
		fmt.Fprintln(out, "Store the secret now; it will not be shown again.")
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		agents, err := st.ListAgents(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"ID", "Client ID", "Name", "Tools", "Resources", "Prompts"})
		for _, a := range agents {
			t.AppendRow(table.Row{
				a.ID, a.ClientID, a.Name,
				len(a.ToolIDs), len(a.ResourceIDs), len(a.PromptIDs),
			})
		}
		t.Render()
		return nil
	},
}

var agentGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Show one agent with its full grant lists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		a, err := st.GetAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:          %s\n", a.ID)
		fmt.Fprintf(out, "Client ID:   %s\n", a.ClientID)
		fmt.Fprintf(out, "Name:        %s\n", a.Name)
		fmt.Fprintf(out, "Description: %s\n", a.Description)
		fmt.Fprintf(out, "Tools:       %s\n", formatGrants(a.ToolIDs))
		fmt.Fprintf(out, "Resources:   %s\n", formatGrants(a.ResourceIDs))
		fmt.Fprintf(out, "Prompts:     %s\n", formatGrants(a.PromptIDs))
		return nil
	},
}

var agentUpdateCmd = &cobra.Command{
	Use:   "update <agent-id>",
	Short: "Update an agent's metadata or replace its grant lists",
	Long: `Updates an agent. Supplied grant flags replace the stored lists entirely;
omitted flags leave the stored lists untouched. Credentials never change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		u := agent.Update{}
		if cmd.Flags().Changed("name") {
			u.Name = &agentName
		}
		if cmd.Flags().Changed("description") {
			u.Description = &agentDescription
		}
		if cmd.Flags().Changed("tools") {
			u.ToolIDs = agentTools
		}
		if cmd.Flags().Changed("resources") {
			u.ResourceIDs = agentResources
		}
		if cmd.Flags().Changed("prompts") {
			u.PromptIDs = agentPrompts
		}

		engine := agent.NewEngine(st)
		a, err := engine.Update(cmd.Context(), args[0], u)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Agent %s updated.\n", a.Name)
		return nil
	},
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := agent.NewEngine(st).Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Agent deleted.")
		return nil
	},
}

// openStore loads the configuration and opens the sqlite store the CLI
// commands operate on.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.DatabasePath)
}

func formatGrants(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

func addGrantFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&agentName, "name", "", "Agent name")
	cmd.Flags().StringVar(&agentDescription, "description", "", "Agent description")
	cmd.Flags().StringSliceVar(&agentTools, "tools", nil, "Tool IDs to grant (comma separated)")
	cmd.Flags().StringSliceVar(&agentResources, "resources", nil, "Resource IDs to grant (comma separated)")
	cmd.Flags().StringSliceVar(&agentPrompts, "prompts", nil, "Prompt IDs to grant (comma separated)")
}

func init() {
	addGrantFlags(agentCreateCmd)
	agentCreateCmd.MarkFlagRequired("name")
	addGrantFlags(agentUpdateCmd)

	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentGetCmd)
	agentCmd.AddCommand(agentUpdateCmd)
	agentCmd.AddCommand(agentDeleteCmd)
	rootCmd.AddCommand(agentCmd)
}
