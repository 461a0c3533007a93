package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var tailCmd = &cobra.Command{
	Use:   "tail [script]",
	Short: "Stream live logs from a deployed worker",
	Long: `Open a tail session and print execution reports as they happen:
outcome, console output, and uncaught exceptions. The script defaults to
the current project's name. Ctrl-C stops the stream.

Examples:
  workerctl tail
  workerctl tail checkout-api`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	script := ""
	if len(args) > 0 {
		script = args[0]
	} else {
		cfg, _, err := loadProject()
		if err != nil {
			return fmt.Errorf("no script given and %v", err)
		}
		script = cfg.Name
	}

	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Tailing %s (Ctrl-C to stop)...\n", script)
	err = workersdk.Tail(ctx, client, script, printTailEvent)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printTailEvent(ev *workersdk.TailEvent) {
	lines := ev.Lines()
	if len(lines) == 0 {
		return
	}
	header := color.New(color.FgGreen)
	if ev.Outcome != "ok" {
		header = color.New(color.FgRed)
	}
	header.Println(lines[0])
	for _, l := range lines[1:] {
		fmt.Println(l)
	}
}
