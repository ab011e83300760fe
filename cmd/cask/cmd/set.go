package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set <path> [value]",
	Short: "Write a value at a path",
	Long:  "Write a value at a path. With no value argument, stdin is read.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSet,
}

var removeCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove the value or subtree at a path",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(removeCmd)
}

func runSet(cmd *cobra.Command, args []string) (err error) {
	var value []byte
	if len(args) > 1 {
		value = []byte(args[1])
	} else {
		value, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
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

	return db.Put(context.Background(), args[0], value)
}

func runRemove(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return db.Remove(context.Background(), args[0])
}
