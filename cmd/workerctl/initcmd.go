package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

const initConfigTemplate = `name: %s
main: src/index.js
compatibility_date: "%s"

# Uncomment to enable the Node.js compatibility layer:
# compatibility_flags:
#   - nodejs_compat

# kv_namespaces:
#   - binding: CACHE
#     id: my-cache
# d1_databases:
#   - binding: DB
#     database_name: my-db

dev:
  host: 127.0.0.1
  port: 8787
`

const initWorkerTemplate = `export default {
  async fetch(request, env, ctx) {
    return new Response("Hello from %s!");
  },
};
`

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Scaffold a new worker project",
	Long: `Create a worker.yaml and a starter entry point in the current
directory. The project name defaults to the directory name.

Examples:
  workerctl init
  workerctl init my-api`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		name = filepath.Base(cwd)
	}

	if _, err := os.Stat(workersdk.ProjectConfigFile); err == nil {
		return fmt.Errorf("%s already exists; not overwriting", workersdk.ProjectConfigFile)
	}

	cfgYAML := fmt.Sprintf(initConfigTemplate, name, time.Now().Format("2006-01-02"))
	if err := os.WriteFile(workersdk.ProjectConfigFile, []byte(cfgYAML), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", workersdk.ProjectConfigFile, err)
	}

	entry := filepath.Join("src", "index.js")
	if _, err := os.Stat(entry); os.IsNotExist(err) {
		if err := os.MkdirAll("src", 0o755); err != nil {
			return fmt.Errorf("creating src: %w", err)
		}
		if err := os.WriteFile(entry, []byte(fmt.Sprintf(initWorkerTemplate, name)), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", entry, err)
		}
	}

	color.New(color.FgGreen).Printf("Created %s\n", name)
	fmt.Printf("  %s\n  %s\n\nNext steps:\n  workerctl dev      # run locally\n  workerctl deploy   # ship it\n", workersdk.ProjectConfigFile, entry)
	return nil
}
