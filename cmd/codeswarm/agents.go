package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/codeswarm/internal/agents"
	"github.com/steveyegge/codeswarm/internal/types"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the registered analysis agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := agents.DefaultRegistry()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		bold := color.New(color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, name := range registry.List() {
			agent, _ := registry.Get(name)
			priority, ok := cfg.AgentPriorities[name]
			if !ok {
				priority = types.PriorityLow
			}

			fmt.Fprintf(out, "%s %s\n", bold(name), gray("(conflict priority "+priority.String()+")"))
			if d, ok := agent.(agents.Describer); ok {
				fmt.Fprintf(out, "  %s\n", d.Description())
			}
			var deps []string
			deps = append(deps, registry.DependenciesOf(name)...)
			deps = append(deps, cfg.Decomposition.TypeDependencies[name]...)
			if len(deps) > 0 {
				fmt.Fprintf(out, "  depends on: %s\n", strings.Join(deps, ", "))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}
