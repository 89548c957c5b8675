package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/memorable/contextmesh/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ____            _            _   __  __           _\n" +
		"  / ___|___  _ __ | |_ _____  _| |_|  \\/  | ___  ___| |__\n" +
		" | |   / _ \\| '_ \\| __/ _ \\ \\/ / __| |\\/| |/ _ \\/ __| '_ \\\n" +
		" | |__| (_) | | | | ||  __/>  <| |_| |  | |  __/\\__ \\ | | |\n" +
		"  \\____\\___/|_| |_|\\__\\___/_/\\_\\\\__|_|  |_|\\___||___/_| |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "contextmesh",
	Short: "ContextMesh - Multi-Device Context Fusion",
	Long:  color.CyanString(logo) + "\nKeeps every device an assistant runs on sharing one unified view of the user.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(agentCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
