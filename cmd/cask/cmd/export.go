package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/cask"
)

var exportCmd = &cobra.Command{
	Use:   "export <file> [revision|tag...]",
	Short: "Write revisions and their closure to a bundle file",
	Long:  "Write the named revisions and everything they reference to a bundle file. With no revisions, every tagged revision and the current head are exported.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load objects from a bundle file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func runExport(cmd *cobra.Command, args []string) (err error) {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	revs := make([]cask.Key, 0, len(args)-1)
	for _, arg := range args[1:] {
		rev, rerr := resolveRev(db, arg)
		if rerr != nil {
			return rerr
		}
		revs = append(revs, rev)
	}

	bundle, err := db.Export(context.Background(), revs)
	if err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := bundle.Encode(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("exported %d objects\n", bundle.Len())
	return nil
}

func runImport(cmd *cobra.Command, args []string) (err error) {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	bundle, err := cask.DecodeBundle(f)
	if err != nil {
		return err
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

	if err := db.Import(context.Background(), bundle); err != nil {
		return err
	}

	fmt.Printf("imported %d objects\n", bundle.Len())
	return nil
}
