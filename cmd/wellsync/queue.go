package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wellsync/wellsync/internal/queue"
)

func init() {
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueDeadCmd, queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the durable write queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <json>",
	Short: "Queue a health-data record for the next sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := json.RawMessage(args[0])
		if !json.Valid(data) {
			return fmt.Errorf("record must be valid JSON")
		}
		a, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		rec, err := a.Queue().Enqueue(context.Background(), data)
		if err != nil {
			return err
		}
		fmt.Printf("Queued record %d\n", rec.ID)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records waiting to be synced",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRecords(func(ctx context.Context, q queue.Queue) ([]queue.Record, error) {
			return q.ListAll(ctx)
		})
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRecords(func(ctx context.Context, q queue.Queue) ([]queue.Record, error) {
			return q.ListDeadLetters(ctx)
		})
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead-lettered record back to the live queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		a, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		if err := a.Queue().Requeue(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Requeued record %d\n", id)
		return nil
	},
}

func listRecords(list func(context.Context, queue.Queue) ([]queue.Record, error)) error {
	a, _, err := openAgent(false)
	if err != nil {
		return err
	}
	defer closeAgent(a)

	records, err := list(context.Background(), a.Queue())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No records.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tATTEMPTS\tLAST ERROR\tDATA")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.CreatedAt.Local().Format(time.DateTime), rec.Attempts, rec.LastError, string(rec.Data))
	}
	return w.Flush()
}
