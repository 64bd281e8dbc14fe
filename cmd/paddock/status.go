package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paddocklabs/paddock/internal/schema"
	"github.com/paddocklabs/paddock/internal/store"
)

var (
	styleHeader  = lipgloss.NewStyle().Bold(true)
	stylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	styleSynced  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	styleDead    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and cache sync state",
	Long: `Summarize the local database: mutation queue entries by status and cached
entities by sync state. Rows shown as pending have local edits that have not
yet been confirmed by the remote API.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	queue, err := st.CountQueueByStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Println(styleHeader.Render("Mutation queue"))
	fmt.Printf("  %s %d\n", stylePending.Render("pending"), queue[schema.StatusPending])
	fmt.Printf("  %s    %d\n", styleSynced.Render("done"), queue[schema.StatusDone])
	if queue[schema.StatusDead] > 0 {
		fmt.Printf("  %s    %d\n", styleDead.Render("dead"), queue[schema.StatusDead])
	}

	fmt.Println(styleHeader.Render("Entity cache"))
	for _, tbl := range schema.Tables() {
		counts, err := st.CountEntitiesByState(ctx, tbl.Entity)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("  %-10s %s %d  %s %d",
			tbl.Entity,
			styleSynced.Render("synced"), counts[schema.StateSynced],
			stylePending.Render("pending"), counts[schema.StatePending])
		fmt.Println(line)
	}

	recent, err := st.RecentEntries(ctx, 5)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println(styleHeader.Render("Recent mutations"))
		for _, e := range recent {
			fmt.Println(styleMuted.Render(fmt.Sprintf("  #%d %s %s (%s) %s",
				e.ID, e.Action, e.Entity, e.Status, e.EnqueuedAt.Local().Format("2006-01-02 15:04:05"))))
		}
	}
	return nil
}
