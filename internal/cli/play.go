package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <store>",
	Short: "Step through every timestep",
	Long: `Load each timestep in order, as a playback loop would, and report the
geometry loaded, the time taken and the number of store queries issued.
Running with --loops greater than one shows the effect of the cache.`,
	Args: cobra.ExactArgs(1),
	Run:  runPlay,
}

var (
	playLoops     int
	playCacheLoad bool
	playReverse   bool
)

func init() {
	playCmd.Flags().IntVar(&playLoops, "loops", 1, "Number of passes over the timesteps")
	playCmd.Flags().BoolVar(&playCacheLoad, "cache-load", false, "Fill the cache with one query before playing")
	playCmd.Flags().BoolVar(&playReverse, "reverse", false, "Play from the last timestep to the first")
}

func runPlay(cmd *cobra.Command, args []string) {
	bg := context.Background()
	c := initContext(args[0], false)
	defer c.Close()

	m, st := c.Model, c.Store()
	n := len(m.Timesteps())
	if n == 0 {
		fmt.Println("No timesteps")
		return
	}

	if playCacheLoad {
		loaded, err := m.CacheLoad(bg)
		if err != nil {
			exitError("failed to fill cache: %v", err)
		}
		fmt.Printf("Cached %d records\n", loaded)
	}

	yellow := color.New(color.FgYellow)
	faint := color.New(color.Faint)
	for loop := 0; loop < playLoops; loop++ {
		if playLoops > 1 {
			yellow.Printf("pass %d\n", loop+1)
		}
		for i := 0; i < n; i++ {
			idx := i
			if playReverse {
				idx = n - 1 - i
			}
			queries := st.QueryCount()
			start := time.Now()
			if err := m.SetTimeStep(bg, idx); err != nil {
				exitError("step %d: %v", m.Timesteps()[idx].Step, err)
			}
			geom := m.State().Geometry
			fmt.Printf("  step %-8d %10s", m.Timesteps()[idx].Step, humanize.Bytes(uint64(geom.SizeBytes())))
			faint.Printf("  %s, %d queries, %s\n", time.Since(start).Round(time.Microsecond),
				st.QueryCount()-queries, m.Cache().State(idx))
		}
	}

	if m.UseCache() {
		fmt.Printf("\nCache: %d of %d steps, %s\n", m.Cache().Len(), m.Cache().Capacity(),
			humanize.Bytes(uint64(m.Cache().Bytes())))
	}
}
