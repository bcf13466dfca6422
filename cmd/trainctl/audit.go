package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log",
	RunE:  runAudit,
}

var auditLimit int

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
}

func runAudit(cmd *cobra.Command, args []string) error {
	var entries []models.AuditEntry
	if err := apiGet(fmt.Sprintf("/audit?limit=%d", auditLimit), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tRUN\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Outcome, truncateID(e.RunID), truncate(e.Details, 50))
	}
	return w.Flush()
}
