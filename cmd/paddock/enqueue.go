package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paddocklabs/paddock/internal/netmon"
	"github.com/paddocklabs/paddock/internal/reconciler"
	"github.com/paddocklabs/paddock/internal/remote"
	"github.com/paddocklabs/paddock/internal/scheduler"
	"github.com/paddocklabs/paddock/internal/schema"
	"github.com/paddocklabs/paddock/internal/store"
)

var (
	enqueueJSON string
	enqueueSync bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <create|update|delete> <farms|animals|profile> [id]",
	Short: "Record a mutation in the offline queue",
	Long: `Record a mutation against the local cache and the durable queue.

Create and update take the entity as JSON via --json; delete takes the entity
id as a positional argument. The mutation is applied to the local cache
immediately and replayed against the remote API by the next drain (or right
away with --sync).

Examples:
  paddock enqueue create farms --json '{"name":"Bessie Acres","location":"north field"}'
  paddock enqueue update farms --json '{"_id":"665f1c...","name":"Renamed"}'
  paddock enqueue delete farms 665f1c...`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueJSON, "json", "", "entity payload as JSON")
	enqueueCmd.Flags().BoolVar(&enqueueSync, "sync", false, "attempt an immediate drain before exiting")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	action, err := schema.ParseAction(args[0])
	if err != nil {
		return err
	}
	entityType, err := schema.ParseEntityType(args[1])
	if err != nil {
		return err
	}

	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	client := remote.New(viper.GetString("api.base_url"), viper.GetDuration("api.timeout"))
	// Pinned unreachable so the scheduler's best-effort drain after enqueue
	// stays local; --sync forces the drain before the process exits.
	monitor := netmon.NewStaticMonitor(netmon.StatusUnreachable)
	rec := reconciler.New(st, client, monitor, log.New(os.Stderr, "[sync] ", 0), nil)
	sched := scheduler.New(st, rec, monitor, nil)

	switch action {
	case schema.ActionCreate, schema.ActionUpdate:
		if enqueueJSON == "" {
			return fmt.Errorf("%s requires --json", action)
		}
		e, err := schema.DecodePayload(entityType, []byte(enqueueJSON))
		if err != nil {
			return err
		}

		if action == schema.ActionCreate {
			localID, err := sched.EnqueueCreate(ctx, e)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued create %s %s\n", entityType, localID)
		} else {
			if e.EntityID() == "" {
				return fmt.Errorf("update payload requires _id")
			}
			if err := sched.EnqueueUpdate(ctx, e); err != nil {
				return err
			}
			fmt.Printf("Enqueued update %s %s\n", entityType, e.EntityID())
		}

	case schema.ActionDelete:
		if len(args) < 3 {
			return fmt.Errorf("delete requires an entity id")
		}
		if err := sched.EnqueueDelete(ctx, entityType, args[2]); err != nil {
			return err
		}
		fmt.Printf("Enqueued delete %s %s\n", entityType, args[2])
	}

	if enqueueSync {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := rec.Drain(drainCtx, reconciler.Options{Force: true}); err != nil {
			fmt.Fprintf(os.Stderr, "Drain failed (mutation stays queued): %v\n", err)
		}
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list <farms|animals|profile>",
	Short: "Read entities from the local cache",
	Long: `Read the local entity cache. Always available, online or not; shows both
synced rows and rows with pending local edits.`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

var listPending bool

func init() {
	listCmd.Flags().BoolVar(&listPending, "pending", false, "only rows awaiting sync")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	entityType, err := schema.ParseEntityType(args[0])
	if err != nil {
		return err
	}

	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	filter := store.ListFilter{}
	if listPending {
		filter.State = schema.StatePending
	}

	rows, err := st.ListEntities(ctx, entityType, filter)
	if err != nil {
		return err
	}

	for _, e := range rows {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
		fmt.Printf("%s\t%s\n", e.State(), data)
	}
	fmt.Fprintf(os.Stderr, "%d %s\n", len(rows), entityType)
	return nil
}
