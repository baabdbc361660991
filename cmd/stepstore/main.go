// Command stepstore inspects and maintains timestep geometry stores.
package main

import (
	"os"

	"github.com/kilupskalvis/stepstore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
