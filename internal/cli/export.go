package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <store> <output>",
	Short: "Write the model to a new store",
	Long: `Write objects, figures, fixed geometry and every timestep of a store into
an output store, re-encoding each record with the configured codec.
With --object only that object's geometry is exported.`,
	Args: cobra.ExactArgs(2),
	Run:  runExport,
}

var (
	exportObject     string
	exportNoCompress bool
)

func init() {
	exportCmd.Flags().StringVar(&exportObject, "object", "", "Export a single object")
	exportCmd.Flags().BoolVar(&exportNoCompress, "no-compress", false, "Write uncompressed records")
}

func runExport(cmd *cobra.Command, args []string) {
	c := initContext(args[0], false)
	defer c.Close()

	m := c.Model
	obj := findObject(m, exportObject)
	if err := m.WriteDatabase(context.Background(), args[1], obj, !exportNoCompress); err != nil {
		exitError("export failed: %v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Exported %s", args[0])
	fmt.Printf(" to %s (%d timesteps)\n", args[1], len(m.Timesteps()))
}
