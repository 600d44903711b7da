package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/control"
	"github.com/jingkaihe/redirfs/pkg/redirfs"
)

var pathCmd = &cobra.Command{
	Use:   "path",
	Short: "Manage the subtrees filters are bound to",
}

var pathAddCmd = &cobra.Command{
	Use:   "add <filter> <path>",
	Short: "Bind a filter to a subtree",
	Args:  cobra.ExactArgs(2),
	RunE:  runPathAdd,
}

var pathRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a path binding by id",
	Args:    cobra.ExactArgs(1),
	RunE:    runPathRemove,
}

var pathListCmd = &cobra.Command{
	Use:     "ls [filter]",
	Aliases: []string{"list"},
	Short:   "List path bindings",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runPathList,
}

func init() {
	pathAddCmd.Flags().Bool("exclude", false, "Exclude the subtree instead of including it")
	pathAddCmd.Flags().String("mount", "", "Resolve the path inside the file system mounted here")

	pathCmd.AddCommand(pathAddCmd, pathRemoveCmd, pathListCmd)
	rootCmd.AddCommand(pathCmd)
}

func runPathAdd(cmd *cobra.Command, args []string) error {
	exclude, _ := cmd.Flags().GetBool("exclude")
	mount, _ := cmd.Flags().GetString("mount")
	flags := redirfs.PathInclude
	if exclude {
		flags = redirfs.PathExclude
	}

	return withClient(func(ctx context.Context, c *control.Client) error {
		id, err := c.AddPath(ctx, args[0], args[1], mount, flags)
		if err != nil {
			return err
		}
		fmt.Printf("Added path %d: %s %s (%s)\n", id, flags, args[1], args[0])
		return nil
	})
}

func runPathRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errx.With(ErrInvalidPathID, ": %q", args[0])
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		if err := c.RemovePath(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Removed path %d\n", id)
		return nil
	})
}

func runPathList(cmd *cobra.Command, args []string) error {
	var filter string
	if len(args) == 1 {
		filter = args[0]
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		paths, err := c.ListPaths(ctx, filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILTER\tFLAGS\tPATH")
		for _, p := range paths {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Filter, p.Flags, p.Path)
		}
		return w.Flush()
	})
}
