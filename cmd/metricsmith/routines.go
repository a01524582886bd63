package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"metricsmith/internal/routine"
)

var routinesCmd = &cobra.Command{
	Use:   "routines",
	Short: "Inspect and manage deployed routines",
}

var routinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed routines",
	RunE:  runRoutinesList,
}

var routinesRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Remove a deployed routine",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutinesRm,
}

func runRoutinesList(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.close()

	all := rt.reg.All()
	if len(all) == 0 {
		fmt.Println("No routines deployed.")
		return nil
	}

	fmt.Printf("%-38s %-32s %-12s %s\n", "ID", "NAME", "STATUS", "CAPABILITY")
	for _, r := range all {
		fmt.Printf("%-38s %-32s %-12s %s\n", r.ID, r.Name, r.Status, describeCapability(r.Capability))
	}
	return nil
}

func runRoutinesRm(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.close()

	id := args[0]
	if err := rt.manager.Undeploy(id); err != nil {
		return fmt.Errorf("failed to remove routine %s: %w", id, err)
	}
	fmt.Printf("Removed routine %s\n", id)
	return nil
}

func describeCapability(c routine.Capability) string {
	var parts []string
	if len(c.Targets) > 0 {
		parts = append(parts, "targets="+strings.Join(c.Targets, ","))
	}
	if len(c.Metrics) > 0 {
		parts = append(parts, "metrics="+strings.Join(c.Metrics, ","))
	}
	if c.TimeWindow != "" {
		parts = append(parts, "window="+c.TimeWindow)
	}
	if len(c.Filters) > 0 {
		pairs := make([]string, 0, len(c.Filters))
		for k, v := range c.Filters {
			pairs = append(pairs, k+"="+v)
		}
		parts = append(parts, "filters="+strings.Join(pairs, ","))
	}
	if len(parts) == 0 {
		return "(any)"
	}
	return strings.Join(parts, " ")
}
