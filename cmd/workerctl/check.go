package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the project without deploying",
	Long: `Bundle the worker, compile it in a throwaway VM, and report what it
exports. Runs the exact validation a deploy would, but never talks to the
platform or needs credentials.

Prints the resolved Node.js compatibility mode so flag and date changes can
be checked before they ship.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadProject()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := workersdk.Deploy(ctx, workersdk.DeployOptions{
		Config:     cfg,
		ProjectDir: dir,
		DryRun:     true,
	})
	if err != nil {
		return err
	}

	color.New(color.FgGreen, color.Bold).Printf("%s checks out\n", cfg.Name)
	fmt.Printf("  bundle      %d bytes (%s)\n", res.ScriptSize, res.ScriptHash[:12])
	fmt.Printf("  handlers    %s\n", strings.Join(res.Handlers, ", "))
	fmt.Printf("  node compat %s\n", describeCompat(res.NodeCompat))
	for _, w := range res.Warnings {
		color.New(color.FgYellow).Printf("  warning: %s\n", w)
	}
	return nil
}

// describeCompat renders the resolved mode plus the individual flags that
// produced it, so surprising resolutions are explainable at a glance.
func describeCompat(c workersdk.CompatFlags) string {
	var parts []string
	if c.V2 {
		parts = append(parts, "nodejs_compat_v2")
	}
	if c.V1 {
		parts = append(parts, "nodejs_compat")
	}
	if c.ALS {
		parts = append(parts, "nodejs_als")
	}
	if c.ExperimentalV2 {
		parts = append(parts, "experimental:nodejs_compat_v2")
	}
	if len(parts) == 0 {
		return c.Mode.String()
	}
	return fmt.Sprintf("%s (%s)", c.Mode, strings.Join(parts, ", "))
}
