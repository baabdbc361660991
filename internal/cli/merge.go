package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stepstore/internal/store"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <store> [source...]",
	Short: "Merge other stores into a store",
	Long: `Copy the records of each source store into the target store. Geometry in
a source replaces the target's geometry for the same step, object and type.

With --timesteps, the per-step companion stores found beside the target
are merged into it instead, each at the step its file name carries.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runMerge,
}

var mergeTimesteps bool

func init() {
	mergeCmd.Flags().BoolVar(&mergeTimesteps, "timesteps", false, "Merge per-step companion stores")
}

func runMerge(cmd *cobra.Command, args []string) {
	if !mergeTimesteps && len(args) < 2 {
		exitError("nothing to merge: give source stores or --timesteps")
	}

	bg := context.Background()
	c := initContext(args[0], true)
	defer c.Close()

	m := c.Model
	green := color.New(color.FgGreen)

	if mergeTimesteps {
		if _, err := m.LoadTimeSteps(bg, true); err != nil {
			exitError("failed to scan timesteps: %v", err)
		}
		stats, err := m.MergeDatabases(bg)
		if err != nil {
			exitError("merge failed: %v", err)
		}
		green.Print("Merged companion stores")
		printMergeStats(stats)
		return
	}

	for _, src := range args[1:] {
		stats, err := m.MergeFrom(bg, src)
		if err != nil {
			exitError("merge %s failed: %v", src, err)
		}
		green.Printf("Merged %s", src)
		printMergeStats(stats)
	}
}

func printMergeStats(s store.MergeStats) {
	fmt.Printf(": %d records (%d replaced, %d rebased), %d timesteps, %d objects, %d colour maps, %d figures\n",
		s.Records, s.Replaced, s.Rebased, s.Timesteps, s.Objects, s.ColourMaps, s.Figures)
}
