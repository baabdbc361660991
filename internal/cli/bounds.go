package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stepstore/internal/models"
)

var boundsCmd = &cobra.Command{
	Use:   "bounds <store>",
	Short: "Show the bounding box of a timestep",
	Long: `Compute the extent of the visible objects at a timestep, fixed geometry
included. Hidden objects are skipped; an empty model reports the unit box.`,
	Args: cobra.ExactArgs(1),
	Run:  runBounds,
}

var (
	boundsStep   int
	boundsObject string
)

func init() {
	boundsCmd.Flags().IntVar(&boundsStep, "step", 0, "Step to measure (nearest earlier step when absent)")
	boundsCmd.Flags().StringVar(&boundsObject, "object", "", "Measure a single object")
}

func runBounds(cmd *cobra.Command, args []string) {
	c := initContext(args[0], false)
	defer c.Close()

	m := c.Model
	if idx := m.NearestTimeStep(boundsStep); idx >= 0 {
		if err := m.SetTimeStep(context.Background(), idx); err != nil {
			exitError("failed to load timestep: %v", err)
		}
	}
	if step, ok := m.Step(); ok {
		fmt.Printf("Step %d\n", step)
	}

	if boundsObject != "" {
		box, ok := m.ObjectBounds(findObject(m, boundsObject))
		if !ok {
			exitError("object %q has no geometry at this step", boundsObject)
		}
		printBox(box)
		return
	}
	printBox(m.CalculateBounds(m.DefaultView(), nil))
}

func printBox(b models.BoundingBox) {
	green := color.New(color.FgGreen)
	green.Print("min ")
	fmt.Printf("%g %g %g\n", b.Min[0], b.Min[1], b.Min[2])
	green.Print("max ")
	fmt.Printf("%g %g %g\n", b.Max[0], b.Max[1], b.Max[2])
}
