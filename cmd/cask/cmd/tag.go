package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag [name [revision]]",
	Short: "List, read or set tags",
	Long:  "With no arguments, list all tags. With one argument, print the revision the tag points at. With two, point the tag at the given revision.",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runTag,
}

var untagCmd = &cobra.Command{
	Use:   "untag <name>",
	Short: "Delete a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runUntag,
}

func init() {
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(untagCmd)
}

func runTag(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	switch len(args) {
	case 0:
		tags, lerr := db.Tags().List()
		if lerr != nil {
			return lerr
		}
		for _, name := range tags {
			rev, gerr := db.Tags().Get(name)
			if gerr != nil {
				return gerr
			}
			fmt.Printf("%s\t%s\n", name, rev)
		}
		return nil
	case 1:
		rev, gerr := db.Tags().Get(args[0])
		if gerr != nil {
			return gerr
		}
		fmt.Println(rev)
		return nil
	default:
		rev, rerr := resolveRev(db, args[1])
		if rerr != nil {
			return rerr
		}
		return db.Tags().Set(args[0], rev)
	}
}

func runUntag(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return db.Tags().Remove(args[0])
}
