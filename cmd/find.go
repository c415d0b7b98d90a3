package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/misterdjules/moray"
)

var (
	findSort    []string
	findLimit   int
	findOffset  int
	findNoLimit bool
)

func init() {
	findCmd.Flags().StringSliceVar(&findSort, "sort", nil,
		"Sort attributes (prefix with '-' for descending)")
	findCmd.Flags().IntVar(&findLimit, "limit", 0, "Maximum rows to return")
	findCmd.Flags().IntVar(&findOffset, "offset", 0, "Rows to skip")
	findCmd.Flags().BoolVar(&findNoLimit, "no-limit", false,
		"Disable the default limit of 1000 rows")
}

var findCmd = &cobra.Command{
	Use:   "find BUCKET FILTER",
	Short: "Stream objects matching an LDAP-style filter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		opts := moray.FindOptions{
			Sort:    findSort,
			Limit:   findLimit,
			Offset:  findOffset,
			NoLimit: findNoLimit,
		}
		return s.FindObjects(cmd.Context(), args[0], args[1], opts,
			func(obj map[string]any) error {
				return printObject(obj)
			})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update BUCKET FILTER FIELDS",
	Short: "Bulk-update indexed columns on matching objects (FIELDS is a JSON object)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields map[string]any
		if err := json.Unmarshal([]byte(args[2]), &fields); err != nil {
			return fmt.Errorf("fields must be a JSON object: %w", err)
		}
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := s.UpdateObjects(cmd.Context(), args[0], fields, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("updated %d objects\n", n)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex BUCKET [COUNT]",
	Short: "Backfill projected columns after a schema update",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count := 0
		if len(args) == 2 {
			if _, err := fmt.Sscanf(args[1], "%d", &count); err != nil {
				return fmt.Errorf("bad count %q", args[1])
			}
		}
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		for {
			res, err := s.ReindexObjects(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}
			fmt.Printf("processed %d objects\n", res.Processed)
			if !res.Remaining {
				return nil
			}
		}
	},
}
