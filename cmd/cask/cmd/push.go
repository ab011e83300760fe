package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push [tag...]",
	Short: "Publish the current state to the remote registry",
	Long:  "Snapshot if needed and push the head revision with its closure to the configured remote. Named tags are pushed under their own references.",
	RunE:  runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch a bundle from the remote registry",
	Long:  "Fetch the remote bundle, import its objects and print the remote head revision. Use revert to adopt it.",
	Args:  cobra.NoArgs,
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return db.Push(context.Background(), args...)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rev, err := db.Pull(context.Background())
	if err != nil {
		return err
	}

	fmt.Println(rev)
	return nil
}
