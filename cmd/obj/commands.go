package obj

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/spf13/cobra"
)

var (
	queryCmd = &cobra.Command{
		Use:   "query [type] [filter]",
		Short: "Lists the objects of a type matching an LDAP-style filter",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := common.QueryArgs{Type: args[0]}
			if len(args) == 2 {
				q.Filter = args[1]
			}
			q.EditableOnly, _ = cmd.Flags().GetBool("editable")
			q.Limit, _ = cmd.Flags().GetInt("limit")

			if dump, _ := cmd.Flags().GetBool("dump"); dump {
				recs, err := session.Dump(q)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					printRecord(rec)
				}
				return nil
			}

			results, err := session.Query(q)
			if err != nil {
				return err
			}
			for _, r := range results {
				mark := " "
				if r.Editable {
					mark = "*"
				}
				fmt.Printf("%s %-12s %s\n", mark, r.Invid, r.Label)
			}
			fmt.Printf("%d objects\n", len(results))
			return nil
		},
	}
	viewCmd = &cobra.Command{
		Use:   "view [invid]",
		Short: "Prints the visible fields of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			rec, err := session.View(id)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [invid] [field] [value]",
		Short: "Sets a scalar field (an empty value clears it)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			return inTransaction("set "+args[1]+" of "+args[0], func() error {
				return session.SetField(id, args[1], args[2])
			})
		},
	}
	addCmd = &cobra.Command{
		Use:   "add [invid] [field] [value...]",
		Short: "Adds values to a vector field",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			return inTransaction("add to "+args[1]+" of "+args[0], func() error {
				for _, v := range args[2:] {
					if err := session.AddElement(id, args[1], v); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	createCmd = &cobra.Command{
		Use:   "create [type] [field=value...]",
		Short: "Creates an object and sets its fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id invid.Invid
			err := inTransaction("create "+args[0], func() error {
				var err error
				if id, err = session.Create(args[0]); err != nil {
					return err
				}
				for _, kv := range args[1:] {
					field, value, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("invalid field assignment %q (expected field=value)", kv)
					}
					if err := session.SetField(id, field, value); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", id)
			return nil
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove [invid]",
		Short: "Deletes an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			return inTransaction("remove "+args[0], func() error {
				return session.Remove(id)
			})
		},
	}
	inactivateCmd = &cobra.Command{
		Use:   "inactivate [invid]",
		Short: "Inactivates an object (sets its removal date)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			return inTransaction("inactivate "+args[0], func() error {
				return session.Inactivate(id)
			})
		},
	}
	permCmd = &cobra.Command{
		Use:   "perm [invid] [field]",
		Short: "Prints your permission on an object or one of its fields",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			field := ""
			if len(args) == 2 {
				field = args[1]
			}
			p, err := session.Perm(id, field)
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	}
	historyCmd = &cobra.Command{
		Use:   "history [invid]",
		Short: "Prints the audit history of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := invid.Parse(args[0])
			if err != nil {
				return err
			}
			var since time.Time
			if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
				since = time.Now().Add(-d)
			}
			logins, _ := cmd.Flags().GetBool("logins")
			full, _ := cmd.Flags().GetBool("full")

			events, err := session.History(id, since, logins, full)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Println(ev)
			}
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints session and store statistics of the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := session.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("sessions:           %d (%d in a transaction)\n", st.Sessions, st.OpenTransactions)
			fmt.Printf("logins:             %d (%d failed)\n", st.Logins, st.LoginFailures)
			fmt.Printf("forced disconnects: %d\n", st.ForcedDisconnects)
			fmt.Printf("commits:            %d (mean %s, p99 %s)\n", st.Commits, st.CommitMean, st.CommitP99)
			fmt.Printf("queries:            %d (mean %s)\n", st.Queries, st.QueryMean)
			fmt.Printf("store:              %d commits, %d aborts, %d objects checked out\n", st.StoreCommits, st.StoreAborts, st.CheckedOut)
			for typ, n := range st.Objects {
				fmt.Printf("  %-16s %d\n", typ, n)
			}
			return nil
		},
	}
)

// inTransaction runs fn in a transaction and commits it. The transaction is
// aborted if fn fails.
func inTransaction(description string, fn func() error) error {
	if err := session.OpenTransaction(description); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if abortErr := session.Abort(); abortErr != nil {
			return fmt.Errorf("%w (abort failed: %v)", err, abortErr)
		}
		return err
	}
	if err := session.Commit(true); err != nil {
		return err
	}
	fmt.Println("committed")
	return nil
}

func printRecord(rec db.EncodedRecord) {
	fmt.Printf("%s  %s\n", rec.Invid, rec.Label)
	for _, slot := range rec.Fields {
		values := make([]string, len(slot.Values))
		for i, v := range slot.Values {
			values[i] = v.Text
		}
		fmt.Printf("  field %-5d %s\n", slot.Field, strings.Join(values, ", "))
	}
}
