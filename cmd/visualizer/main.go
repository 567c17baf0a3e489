package main

import (
	"fmt"
	"os"

	"github.com/naok1207/workflow-visualizer/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "visualizer",
	Short:   "Track tasks through editable workflows and stream their progress",
	Version: cli.Version,
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
