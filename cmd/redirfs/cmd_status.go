package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/redirfs/pkg/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withClient(func(ctx context.Context, c *control.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Hook mode: %s\n", st.HookMode)
		fmt.Printf("Filters:   %d\n", st.Filters)
		fmt.Printf("Paths:     %d\n", st.Paths)
		fmt.Printf("Records:   %d\n", st.Records)
		return nil
	})
}
