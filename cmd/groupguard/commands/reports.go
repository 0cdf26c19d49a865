package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/audit"
	"github.com/spf13/cobra"
)

// newReportsCmd creates the `groupguard reports` command that lists
// recent enforcement reports from the audit log.
func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List recent enforcement reports",
		Long: `List the most recent enforcement reports stored in the audit log.

Examples:
  groupguard reports
  groupguard reports --group 120363000000000001@g.us --limit 5`,
		RunE: runReports,
	}
	cmd.Flags().String("group", "", "only show reports for this group JID")
	cmd.Flags().Int("limit", 20, "maximum number of reports")
	return cmd
}

func runReports(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit log is disabled in the configuration")
	}
	group, _ := cmd.Flags().GetString("group")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := audit.Open(cfg.Audit, newLogger(cmd, cfg.Logging))
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(cmd.Context(), group, limit)
	if err != nil {
		return err
	}
	return printReports(cmd.OutOrStdout(), records)
}

func printReports(out io.Writer, records []audit.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no reports")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tGROUP\tKIND\tACTION\tAUTHOR\tVERDICT\tOPS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.DateTime), r.GroupID, r.Kind,
			dash(r.Action), dash(r.Author), r.Verdict, opsSummary(r.Ops))
	}
	return tw.Flush()
}

func opsSummary(ops []audit.OpRecord) string {
	if len(ops) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		parts = append(parts, fmt.Sprintf("%s %s: %s", op.Op, op.Target, op.Outcome))
	}
	return strings.Join(parts, "; ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
