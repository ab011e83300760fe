package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/cask"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [tag]",
	Short: "Freeze the current state into a revision",
	Long:  "Freeze the current state into a revision and print its key. An optional tag name is pointed at the new revision.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshot,
}

var revertCmd = &cobra.Command{
	Use:   "revert <revision|tag>",
	Short: "Reset the current state from a revision",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevert,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(revertCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rev, err := db.Snapshot(context.Background())
	if err != nil {
		return err
	}

	if len(args) > 0 {
		if err := db.Tags().Set(args[0], rev); err != nil {
			return err
		}
	}

	fmt.Println(rev)
	return nil
}

func runRevert(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rev, err := resolveRev(db, args[0])
	if err != nil {
		return err
	}
	return db.Revert(context.Background(), rev)
}

// resolveRev accepts either a printed key or a tag name.
func resolveRev(db *cask.Cask, arg string) (cask.Key, error) {
	if key, err := cask.ParseKey(arg); err == nil {
		return key, nil
	}
	return db.Tags().Get(arg)
}
