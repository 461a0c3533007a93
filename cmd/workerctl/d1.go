package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var d1Cmd = &cobra.Command{
	Use:   "d1",
	Short: "Manage D1 databases",
	Long: `Create and query D1 databases. Queries run against the local SQLite
copy under ` + workersdk.DataDir + `/d1/ (the same one the dev server binds) unless
--remote targets the hosted database.

Examples:
  workerctl d1 create my-db
  workerctl d1 execute my-db --file schema.sql
  workerctl d1 execute my-db --command "SELECT * FROM users" --remote`,
}

var d1ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosted databases",
	Args:  cobra.NoArgs,
	RunE:  runD1List,
}

var d1CreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a hosted database",
	Args:  cobra.ExactArgs(1),
	RunE:  runD1Create,
}

var (
	d1Command string
	d1File    string
	d1Remote  bool
)

var d1ExecuteCmd = &cobra.Command{
	Use:   "execute <database>",
	Short: "Run SQL against a database",
	Args:  cobra.ExactArgs(1),
	RunE:  runD1Execute,
}

func init() {
	d1ExecuteCmd.Flags().StringVar(&d1Command, "command", "", "SQL to run")
	d1ExecuteCmd.Flags().StringVar(&d1File, "file", "", "File of SQL statements to run")
	d1ExecuteCmd.Flags().BoolVar(&d1Remote, "remote", false, "Run against the hosted database instead of the local copy")
	d1Cmd.AddCommand(d1ListCmd, d1CreateCmd, d1ExecuteCmd)
	rootCmd.AddCommand(d1Cmd)
}

func runD1List(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	dbs, err := client.ListD1Databases(ctx)
	if err != nil {
		return err
	}
	if len(dbs) == 0 {
		fmt.Println("no databases")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tUUID\tTABLES\tSIZE\tCREATED")
	for _, db := range dbs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			db.Name, db.UUID, db.NumTables, humanize.Bytes(uint64(db.FileSize)),
			db.CreatedAt.Local().Format("2006-01-02"))
	}
	return tw.Flush()
}

func runD1Create(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	db, err := client.CreateD1Database(ctx, args[0])
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("Created database %s (%s)\n", db.Name, db.UUID)
	fmt.Println("Bind it in worker.yaml:")
	fmt.Printf("  d1_databases:\n    - binding: DB\n      database_name: %s\n      database_id: %s\n", db.Name, db.UUID)
	return nil
}

func runD1Execute(cmd *cobra.Command, args []string) error {
	name := args[0]
	sqlText := d1Command
	if d1File != "" {
		if sqlText != "" {
			return fmt.Errorf("use --command or --file, not both")
		}
		data, err := os.ReadFile(d1File)
		if err != nil {
			return fmt.Errorf("reading %s: %w", d1File, err)
		}
		sqlText = string(data)
	}
	if sqlText == "" {
		return fmt.Errorf("nothing to run: pass --command or --file")
	}

	var results []workersdk.D1QueryResult
	if d1Remote {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		info, err := client.D1DatabaseFromName(ctx, name)
		if err != nil {
			return err
		}
		results, err = client.QueryD1Database(ctx, info.UUID, sqlText, nil)
		if err != nil {
			return err
		}
	} else {
		db, err := workersdk.OpenLocalD1(projectDataDir(), name)
		if err != nil {
			return err
		}
		defer db.Close()
		results, err = db.ExecBatch(sqlText)
		if err != nil {
			return err
		}
	}
	return printD1Results(results)
}

func printD1Results(results []workersdk.D1QueryResult) error {
	for i, res := range results {
		if len(results) > 1 {
			color.New(color.Faint).Printf("-- statement %d\n", i+1)
		}
		for _, row := range res.Results {
			line, err := json.Marshal(row)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		}
		meta := res.Meta
		switch {
		case meta.ChangedDB:
			color.New(color.Faint).Printf("%d rows changed (last id %d)\n", meta.Changes, meta.LastRowID)
		case len(res.Results) > 0:
			color.New(color.Faint).Printf("%d rows read\n", len(res.Results))
		default:
			color.New(color.Faint).Println("ok")
		}
	}
	return nil
}
