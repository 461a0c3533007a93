package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect and control workflow instances",
}

var workflowStatusFilter string

var workflowInstancesCmd = &cobra.Command{
	Use:   "instances <workflow>",
	Short: "List instances of a workflow",
	Long: `List runs of a workflow, newest first.

Examples:
  workerctl workflows instances order-fulfillment
  workerctl workflows instances order-fulfillment --status errored`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowInstances,
}

var workflowDescribeCmd = &cobra.Command{
	Use:   "describe <workflow> <instance-id>",
	Short: "Show one instance in detail",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowDescribe,
}

var workflowTerminateCmd = &cobra.Command{
	Use:   "terminate <workflow> <instance-id>",
	Short: "Terminate a running instance",
	Args:  cobra.ExactArgs(2),
	RunE:  workflowSignalRunner("terminate"),
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause <workflow> <instance-id>",
	Short: "Pause a running instance",
	Args:  cobra.ExactArgs(2),
	RunE:  workflowSignalRunner("pause"),
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <workflow> <instance-id>",
	Short: "Resume a paused instance",
	Args:  cobra.ExactArgs(2),
	RunE:  workflowSignalRunner("resume"),
}

func init() {
	workflowInstancesCmd.Flags().StringVar(&workflowStatusFilter, "status", "", "Only instances in this status")
	workflowsCmd.AddCommand(workflowInstancesCmd, workflowDescribeCmd,
		workflowTerminateCmd, workflowPauseCmd, workflowResumeCmd)
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflowInstances(cmd *cobra.Command, args []string) error {
	var filter workersdk.WorkflowStatus
	if workflowStatusFilter != "" {
		var err error
		filter, err = workersdk.ParseWorkflowStatus(workflowStatusFilter)
		if err != nil {
			return err
		}
	}

	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	instances, err := client.ListWorkflowInstances(ctx, args[0])
	if err != nil {
		return err
	}
	shown := 0
	for i := range instances {
		if filter != "" && instances[i].Status != filter {
			continue
		}
		fmt.Println(instances[i].Describe())
		shown++
	}
	if shown == 0 {
		fmt.Printf("no instances of %s", args[0])
		if filter != "" {
			fmt.Printf(" with status %s", filter)
		}
		fmt.Println()
	}
	return nil
}

func runWorkflowDescribe(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	inst, err := client.GetWorkflowInstance(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Println(inst.Describe())
	if inst.Error != "" {
		color.New(color.FgRed).Printf("error: %s\n", inst.Error)
	}
	if inst.Output != "" {
		fmt.Printf("output: %s\n", inst.Output)
	}
	if inst.Status.Terminal() {
		color.New(color.Faint).Println("this instance is finished and will not change again")
	}
	return nil
}

// workflowSignalRunner builds the RunE for the terminate/pause/resume verbs,
// which differ only in the signal sent.
func workflowSignalRunner(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		workflow, id := args[0], args[1]
		switch verb {
		case "terminate":
			err = client.TerminateWorkflowInstance(ctx, workflow, id)
		case "pause":
			err = client.PauseWorkflowInstance(ctx, workflow, id)
		case "resume":
			err = client.ResumeWorkflowInstance(ctx, workflow, id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s to %s/%s\n", verb, workflow, id)
		return nil
	}
}
