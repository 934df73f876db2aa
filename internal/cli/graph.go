package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewGraphCmd создаёт группу команд для управления graphs.
func NewGraphCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage graphs",
	}

	cmd.AddCommand(
		newGraphRegisterCmd(clientFn, outputFn),
		newGraphListCmd(clientFn, outputFn),
		newGraphShowCmd(clientFn, outputFn),
		newGraphVersionsCmd(clientFn, outputFn),
		newGraphUpdateCmd(clientFn, outputFn),
		newGraphDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newGraphRegisterCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "register SPEC_FILE",
		Short: "Register a graph from a YAML or JSON spec file",
		Long: `Register a graph from a spec file.

The file is parsed as YAML (JSON is valid YAML). The graph name is taken
from the spec's "name" field unless overridden with --name. Registering
an existing name creates a new version of that graph.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read spec file: %w", err)
			}

			var spec map[string]any
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("failed to parse spec file: %w", err)
			}

			graphName := name
			if graphName == "" {
				graphName, _ = spec["name"].(string)
			}
			if graphName == "" {
				return fmt.Errorf("graph name is missing: add a \"name\" field to the spec or pass --name")
			}

			g, err := client.RegisterGraph(RegisterGraphRequest{Name: graphName, Spec: spec})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Graph %s registered: version %d", g.Name, g.LatestVersion))
			out.Print(
				[]string{"ID", "NAME", "VERSION", "ACTIVE"},
				[][]string{{g.ID, g.Name, strconv.Itoa(g.LatestVersion), strconv.FormatBool(g.IsActive)}},
				g,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Graph name (overrides the spec's name field)")

	return cmd
}

func newGraphListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			graphs, err := client.ListGraphs()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "ACTIVE", "CREATED"}
			rows := make([][]string, len(graphs))
			for i, g := range graphs {
				rows[i] = []string{g.ID, g.Name, strconv.FormatBool(g.IsActive), g.CreatedAt}
			}

			out.Print(headers, rows, graphs)
			return nil
		},
	}
}

func newGraphShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "show GRAPH",
		Short: "Show graph details (by UUID or name)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			// С флагом --version показываем spec конкретной версии
			if version != "" {
				v, err := client.GetVersion(args[0], version)
				if err != nil {
					return err
				}
				out.JSON(v)
				return nil
			}

			g, err := client.GetGraph(args[0])
			if err != nil {
				return err
			}

			out.KV([][2]string{
				{"ID", g.ID},
				{"Name", g.Name},
				{"Active", strconv.FormatBool(g.IsActive)},
				{"Latest version", strconv.Itoa(g.LatestVersion)},
				{"Created", g.CreatedAt},
			}, g)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Show the spec of a specific version (number or 'latest')")

	return cmd
}

func newGraphVersionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "versions GRAPH",
		Short: "List graph versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			versions, err := client.ListVersions(args[0])
			if err != nil {
				return err
			}

			headers := []string{"GRAPH_ID", "VERSION", "CREATED"}
			rows := make([][]string, len(versions))
			for i, v := range versions {
				rows[i] = []string{v.GraphID, strconv.Itoa(v.Version), v.CreatedAt}
			}

			out.Print(headers, rows, versions)
			return nil
		},
	}
}

func newGraphUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var active string

	cmd := &cobra.Command{
		Use:   "update GRAPH",
		Short: "Update a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := UpdateGraphRequest{}
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("active") {
				b, err := strconv.ParseBool(active)
				if err != nil {
					return fmt.Errorf("invalid value for --active: %s", active)
				}
				req.IsActive = &b
			}

			g, err := client.UpdateGraph(args[0], req)
			if err != nil {
				return err
			}

			out.Success("Graph updated")
			out.Print(
				[]string{"ID", "NAME", "ACTIVE", "CREATED"},
				[][]string{{g.ID, g.Name, strconv.FormatBool(g.IsActive), g.CreatedAt}},
				g,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New graph name")
	cmd.Flags().StringVar(&active, "active", "", "Set active status (true/false)")

	return cmd
}

func newGraphDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete GRAPH",
		Short: "Delete a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteGraph(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Graph deleted: %s", args[0]))
			return nil
		},
	}
}
