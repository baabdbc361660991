package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state <store>",
	Short: "Print or save the model state",
	Long: `Print the objects and colour maps of a store as JSON. With --figure the
named figure is applied first. With --write the state is saved as a figure
back into the store.`,
	Args: cobra.ExactArgs(1),
	Run:  runState,
}

var (
	stateObjData bool
	stateFigure  int
	stateWrite   string
)

func init() {
	stateCmd.Flags().BoolVar(&stateObjData, "objdata", false, "Include geometry for each object")
	stateCmd.Flags().IntVar(&stateFigure, "figure", -1, "Apply a stored figure before printing")
	stateCmd.Flags().StringVar(&stateWrite, "write", "", "Save the state as a figure with this name")
}

func runState(cmd *cobra.Command, args []string) {
	bg := context.Background()
	c := initContext(args[0], false)
	defer c.Close()

	m := c.Model
	if stateFigure >= 0 {
		if err := m.LoadFigure(stateFigure); err != nil {
			exitError("figure %d: %v", stateFigure, err)
		}
	}
	if stateWrite != "" {
		state, err := m.JSONWrite(false)
		if err != nil {
			exitError("%v", err)
		}
		m.AddFigure(stateWrite, state)
		if err := m.WriteState(bg); err != nil {
			exitError("failed to save figure: %v", err)
		}
		color.New(color.FgGreen).Printf("Saved figure %q\n", stateWrite)
		return
	}

	out, err := m.JSONWrite(stateObjData)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Println(out)
}
