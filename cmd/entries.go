package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"vimarconnector/internal/entries"

	"github.com/spf13/cobra"
)

var entriesDomain string

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Inspect and remove config entries",
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List config entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return printEntries(cmd.OutOrStdout(), store.List(entriesDomain))
	},
}

var entriesRemoveCmd = &cobra.Command{
	Use:   "remove <entry_id>",
	Short: "Remove a config entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Remove(args[0]); err != nil {
			return fmt.Errorf("failed to remove entry %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}

func init() {
	entriesListCmd.Flags().StringVar(&entriesDomain, "domain", "", "only list entries of this domain")
	entriesCmd.AddCommand(entriesListCmd, entriesRemoveCmd)
}

func openStore() (*entries.Store, error) {
	store := entries.NewStore(cfg.EntriesFile, logger)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	return store, nil
}

func printEntries(out io.Writer, list []entries.Entry) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No entries")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY ID\tDOMAIN\tUNIQUE ID\tSOURCE\tDATA\tCREATED")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.EntryID, e.Domain, e.UniqueID, e.Source, formatData(e.Data), e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, data[k])
	}
	return strings.Join(parts, " ")
}
