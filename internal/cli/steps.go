package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stepstore/internal/model"
)

var stepsCmd = &cobra.Command{
	Use:   "steps <store>",
	Short: "List timesteps",
	Long: `List the timesteps of a store in step order. With --scan, companion
stores named <base><step>.gldb beside the store are matched to timesteps.`,
	Args: cobra.ExactArgs(1),
	Run:  runSteps,
}

var (
	stepsScan    bool
	stepsNearest int
)

func init() {
	stepsCmd.Flags().BoolVar(&stepsScan, "scan", false, "Look for per-step companion stores")
	stepsCmd.Flags().IntVar(&stepsNearest, "nearest", -1, "Only show the timestep nearest to this step")
}

func runSteps(cmd *cobra.Command, args []string) {
	c := initContext(args[0], false)
	defer c.Close()

	m := c.Model
	if stepsScan {
		if _, err := m.LoadTimeSteps(context.Background(), true); err != nil {
			exitError("failed to scan timesteps: %v", err)
		}
	}

	ts := m.Timesteps()
	if len(ts) == 0 {
		fmt.Println("No timesteps")
		return
	}

	first, last := 0, len(ts)-1
	if cmd.Flags().Changed("nearest") {
		idx := m.NearestTimeStep(stepsNearest)
		first, last = idx, idx
	}

	yellow := color.New(color.FgYellow)
	for i := first; i <= last; i++ {
		yellow.Printf("%5d ", i)
		fmt.Printf("step %-8d time %-12g", ts[i].Step, ts[i].Time)
		if ts[i].Path != "" {
			color.New(color.FgCyan).Printf(" %s", ts[i].Path)
		}
		fmt.Println()
	}
	if !cmd.Flags().Changed("nearest") {
		printStepRange(m)
	}
}

func printStepRange(m *model.Model) {
	last, ok := m.LastStep()
	if !ok {
		return
	}
	fmt.Printf("\n%d timesteps, %d to %d\n", len(m.Timesteps()), m.Timesteps()[0].Step, last)
}
