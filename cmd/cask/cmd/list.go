package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List value-bearing paths",
	Long:  "List all value-bearing paths in the store, optionally below a prefix.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	paths, err := db.List(context.Background(), prefix)
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		fmt.Println("(no entries)")
		return nil
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}
