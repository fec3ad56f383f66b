package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/geekxflood/proteus/internal/journal"
	"github.com/spf13/cobra"
)

var (
	journalSession uint32
	journalState   string
	journalLimit   int
	journalSince   time.Duration
	journalJSON    bool
	journalPurge   bool
)

// journalCmd represents the journal command
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List journaled SET transactions",
	Long:  `Query the SET transaction journal configured under "journal".`,
	Example: `# Show the last 20 transactions
	proteus journal --limit 20

	# Show failed tests of the last hour as JSON
	proteus journal --state test_failed --since 1h --json

	# Remove entries older than the retention period
	proteus journal --purge`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().Uint32Var(&journalSession, "session", 0, "Only show transactions of this session")
	journalCmd.Flags().StringVar(&journalState, "state", "", "Only show transactions with this final state")
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "Maximum number of entries")
	journalCmd.Flags().DurationVar(&journalSince, "since", 0, "Only show entries newer than this duration")
	journalCmd.Flags().BoolVar(&journalJSON, "json", false, "Print entries as JSON lines")
	journalCmd.Flags().BoolVar(&journalPurge, "purge", false, "Purge entries older than the retention period")
}

func runJournal(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer manager.Close()

	logger, err := newLogger(manager)
	if err != nil {
		return err
	}

	jc, err := journal.LoadConfig(manager)
	if err != nil {
		return err
	}

	j, err := journal.Open(jc, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	if journalPurge {
		cutoff := time.Now().AddDate(0, 0, -jc.RetentionDays)
		n, err := j.Purge(cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d entries older than %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	}

	q := &journal.Query{
		State:     journalState,
		Limit:     journalLimit,
		OrderDesc: true,
	}
	if cmd.Flags().Changed("session") {
		q.SessionID = &journalSession
	}
	if journalSince > 0 {
		since := time.Now().Add(-journalSince)
		q.Since = &since
	}

	entries, err := j.Query(q)
	if err != nil {
		return err
	}

	if journalJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tSESSION\tTXN\tSTATE\tSTATUS\tINDEX\tVARBINDS")
	for _, e := range entries {
		oids := make([]string, 0, len(e.VarBinds))
		for _, vb := range e.VarBinds {
			oids = append(oids, vb.OID+"="+vb.Value)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%d\t%s\n",
			e.ID, e.Timestamp.Local().Format(time.RFC3339), e.SessionID, e.TransactionID,
			e.State, e.Status, e.ErrorIndex, strings.Join(oids, " "))
	}
	return w.Flush()
}
