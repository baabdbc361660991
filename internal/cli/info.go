package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <store>",
	Short: "Summarize a store",
	Long:  `Show the schema layout, record counts and payload size of a store, and the objects and figures it holds.`,
	Args:  cobra.ExactArgs(1),
	Run:   runInfo,
}

func runInfo(cmd *cobra.Command, args []string) {
	c := initContext(args[0], false)
	defer c.Close()

	m, st := c.Model, c.Store()
	stats, err := st.GeometryStats(context.Background())
	if err != nil {
		exitError("failed to read geometry stats: %v", err)
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	yellow.Printf("store %s\n", args[0])
	if st.Legacy() {
		color.New(color.FgMagenta).Println("  legacy layout (no delta columns)")
	}
	fmt.Printf("Timesteps:  %d\n", len(m.Timesteps()))
	fmt.Printf("Records:    %d (%d compressed, %d delta)\n", stats.Records, stats.Compressed, stats.Deltas)
	fmt.Printf("Payload:    %s\n", humanize.Bytes(uint64(stats.DataBytes)))
	fmt.Printf("Fixed:      %s\n", humanize.Bytes(uint64(m.State().Fixed.SizeBytes())))

	if objs := m.Objects(); len(objs) > 0 {
		fmt.Println("\nObjects:")
		for _, obj := range objs {
			cyan.Printf("  %4d ", obj.ID)
			fmt.Print(obj.Name)
			if !obj.Visible() {
				fmt.Print(" (hidden)")
			}
			fmt.Println()
		}
	}
	if figs := m.Figures(); len(figs) > 0 {
		fmt.Println("\nFigures:")
		for i, name := range figs {
			fmt.Printf("  %d %s\n", i, name)
		}
	}
}
