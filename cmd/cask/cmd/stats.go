package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Drop objects not reachable from any tag or the head",
	Args:  cobra.NoArgs,
	RunE:  runFreeze,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(freezeCmd)
}

func runStats(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("pending:\t%d\n", stats.Pending)
	fmt.Printf("cached:\t\t%d\n", stats.Cached)
	fmt.Printf("durable:\t%d\n", stats.Durable)
	return nil
}

func runFreeze(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return db.Freeze(context.Background())
}
