package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mcpbridge/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage registered capability servers",
}

var (
	serverType    string
	serverCommand string
	serverArgs    []string
	serverEnv     []string
	serverURL     string
)

var serverAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a capability server",
	Long: `Registers a capability server. The gateway connects to it on the next
'mcpbridge serve' start and syncs its tool, resource and prompt catalog.

Stdio servers need --command; sse and streamable-http servers need --url.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		env := make(map[string]string, len(serverEnv))
		for _, kv := range serverEnv {
			k, v, found := strings.Cut(kv, "=")
			if !found {
				return fmt.Errorf("invalid env entry %q, want KEY=VALUE", kv)
			}
			env[k] = v
		}

		srv := &store.Server{
			Name:    args[0],
			Type:    store.ServerType(serverType),
			Command: serverCommand,
			Args:    serverArgs,
			Env:     env,
			URL:     serverURL,
		}

		switch srv.Type {
		case store.ServerTypeStdio:
			if srv.Command == "" {
				return fmt.Errorf("--command is required for stdio servers")
			}
		case store.ServerTypeSSE, store.ServerTypeStreamableHTTP:
			if srv.URL == "" {
				return fmt.Errorf("--url is required for %s servers", srv.Type)
			}
		default:
			return fmt.Errorf("unsupported server type %q", serverType)
		}

		if err := st.CreateServer(cmd.Context(), srv); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Server %s registered with id %s.\n", srv.Name, srv.ID)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered capability servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		servers, err := st.ListServers(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Connected", "Total Connections"})
		for _, s := range servers {
			t.AppendRow(table.Row{s.ID, s.Name, s.Type, s.Status, s.ConnectedInstances, s.TotalConnections})
		}
		t.Render()
		return nil
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a registered capability server",
	Long: `Removes a server and its synced capabilities. Agent grants referencing the
removed capabilities become dangling and simply resolve to nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		srv, err := st.GetServerByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := st.DeleteServer(cmd.Context(), srv.ID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Server %s removed.\n", srv.Name)
		return nil
	},
}

func init() {
	serverAddCmd.Flags().StringVar(&serverType, "type", "stdio", "Server type: stdio, sse or streamable-http")
	serverAddCmd.Flags().StringVar(&serverCommand, "command", "", "Executable for stdio servers")
	serverAddCmd.Flags().StringSliceVar(&serverArgs, "args", nil, "Arguments for stdio servers")
	serverAddCmd.Flags().StringSliceVar(&serverEnv, "env", nil, "KEY=VALUE environment entries for stdio servers")
	serverAddCmd.Flags().StringVar(&serverURL, "url", "", "Endpoint URL for sse and streamable-http servers")

	serverCmd.AddCommand(serverAddCmd)
	serverCmd.AddCommand(serverListCmd)
	serverCmd.AddCommand(serverRemoveCmd)
	rootCmd.AddCommand(serverCmd)
}
