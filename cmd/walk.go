package cmd

import (
	"context"
	"fmt"

	"github.com/geekxflood/proteus/internal/types"
	"github.com/spf13/cobra"
)

var walkLimit int

// walkCmd represents the walk command
var walkCmd = &cobra.Command{
	Use:   "walk [OID]",
	Short: "Walk the served tables in-process",
	Long: `Load the configured tables and seed files and walk them with get-next
requests through the request dispatcher, without a master agent.`,
	Example: `# Walk every served table
	proteus walk

	# Walk the matrix control table
	proteus walk 1.3.6.1.2.1.16.15.1

	# Print the first ten instances only
	proteus walk 1.3.6.1.2.1.16.15 --limit 10`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWalk,
}

func init() {
	rootCmd.AddCommand(walkCmd)

	walkCmd.Flags().IntVarP(&walkLimit, "limit", "n", 0, "Maximum number of varbinds to print (0 for no limit)")
}

func runWalk(cmd *cobra.Command, args []string) error {
	var root types.OID
	if len(args) == 1 {
		oid, err := types.ParseOID(args[0])
		if err != nil {
			return fmt.Errorf("invalid OID %q: %w", args[0], err)
		}
		root = oid
	}

	application, done, err := newApplication()
	if err != nil {
		return err
	}
	defer done()

	vbs, err := application.Walk(context.Background(), root, walkLimit)
	for _, vb := range vbs {
		fmt.Fprintln(cmd.OutOrStdout(), vb.String())
	}
	return err
}
