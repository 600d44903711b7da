package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/redirfs/pkg/control"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Inspect and toggle registered filters",
}

var filterListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List registered filters in chain order",
	Args:    cobra.NoArgs,
	RunE:    runFilterList,
}

var filterActivateCmd = &cobra.Command{
	Use:   "activate <name>",
	Short: "Start running a filter's callbacks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFilterActive(args[0], true)
	},
}

var filterDeactivateCmd = &cobra.Command{
	Use:   "deactivate <name>",
	Short: "Stop running a filter's callbacks without unbinding it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFilterActive(args[0], false)
	},
}

func init() {
	filterCmd.AddCommand(filterListCmd, filterActivateCmd, filterDeactivateCmd)
	rootCmd.AddCommand(filterCmd)
}

func runFilterList(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		filters, err := c.ListFilters(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPRIORITY\tACTIVE\tPATHS\tOWNER\tID")
		for _, f := range filters {
			fmt.Fprintf(w, "%s\t%d\t%t\t%d\t%s\t%s\n", f.Name, f.Priority, f.Active, f.Paths, f.Owner, f.ID)
		}
		return w.Flush()
	})
}

func setFilterActive(name string, active bool) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		if active {
			if err := c.Activate(ctx, name); err != nil {
				return err
			}
			fmt.Printf("Activated %s\n", name)
			return nil
		}
		if err := c.Deactivate(ctx, name); err != nil {
			return err
		}
		fmt.Printf("Deactivated %s\n", name)
		return nil
	})
}
