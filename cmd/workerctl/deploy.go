package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var (
	deployMessage string
	deployDryRun  bool
	deployMinify  bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Bundle and deploy the worker",
	Long: `Bundle the worker, validate it, sync static assets, and create a new
deployment. Unchanged assets are skipped by content hash.

Examples:
  workerctl deploy
  workerctl deploy -m "fix checkout redirect"
  workerctl deploy --dry-run`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List past deployments",
	Args:  cobra.NoArgs,
	RunE:  runDeployments,
}

var rollbackMessage string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <deploy-id>",
	Short: "Re-activate an earlier deployment",
	Long: `Roll the script back to an earlier deployment. The reference may be
a full deployment ID or any unique prefix of one (see workerctl deployments).`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	deployCmd.Flags().StringVarP(&deployMessage, "message", "m", "", "Deployment message")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "Bundle and validate but do not upload")
	deployCmd.Flags().BoolVar(&deployMinify, "minify", false, "Minify the bundled script")
	rollbackCmd.Flags().StringVarP(&rollbackMessage, "message", "m", "", "Rollback message")
	rootCmd.AddCommand(deployCmd, deploymentsCmd, rollbackCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadProject()
	if err != nil {
		return err
	}

	var client *workersdk.Client
	if !deployDryRun {
		client, err = apiClient()
		if err != nil {
			return err
		}
	}
	reporter := workersdk.NewReporter(client, filepath.Join(dir, workersdk.DataDir))
	defer reporter.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := workersdk.Deploy(ctx, workersdk.DeployOptions{
		Config:     cfg,
		ProjectDir: dir,
		Client:     client,
		Reporter:   reporter,
		Message:    deployMessage,
		Minify:     deployMinify,
		DryRun:     deployDryRun,
	})
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		color.New(color.FgYellow).Printf("warning: %s\n", w)
	}
	if deployDryRun {
		color.New(color.FgGreen).Printf("Dry run: %s bundles to %d bytes, handlers: %v\n",
			cfg.Name, res.ScriptSize, res.Handlers)
		return nil
	}

	color.New(color.FgGreen, color.Bold).Printf("Deployed %s\n", cfg.Name)
	fmt.Printf("  deployment  %s\n", res.Deployment.ID)
	fmt.Printf("  bundle      %d bytes (%s)\n", res.ScriptSize, res.ScriptHash[:12])
	fmt.Printf("  node compat %s\n", res.NodeCompat.Mode)
	if res.AssetsUploaded > 0 || res.AssetsSkipped > 0 {
		fmt.Printf("  assets      %d uploaded, %d unchanged\n", res.AssetsUploaded, res.AssetsSkipped)
	}
	return nil
}

func runDeployments(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadProject()
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	deploys, err := client.ListDeploys(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if len(deploys) == 0 {
		fmt.Printf("%s has no deployments yet\n", cfg.Name)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tAUTHOR\tMESSAGE")
	for _, d := range deploys {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			d.ID, d.CreatedAt.Local().Format("2006-01-02 15:04"), d.Author, d.Message)
	}
	return tw.Flush()
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadProject()
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	reporter := workersdk.NewReporter(client, filepath.Join(dir, workersdk.DataDir))
	defer reporter.Close()

	ctx, cancel := signalContext()
	defer cancel()

	target, err := workersdk.FindDeployment(ctx, client, cfg.Name, args[0])
	if err != nil {
		return err
	}
	d, err := workersdk.Rollback(ctx, client, reporter, cfg.Name, target.ID, rollbackMessage)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("Rolled %s back to %s\n", cfg.Name, d.ID)
	return nil
}
