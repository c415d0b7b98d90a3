package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/misterdjules/moray"
)

var (
	bucketConfigFile string
	bucketNoReindex  bool
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage buckets",
}

func init() {
	bucketCreateCmd.Flags().StringVarP(&bucketConfigFile, "file", "f", "-",
		"Bucket config JSON file ('-' for stdin)")
	bucketUpdateCmd.Flags().StringVarP(&bucketConfigFile, "file", "f", "-",
		"Bucket config JSON file ('-' for stdin)")
	bucketUpdateCmd.Flags().BoolVar(&bucketNoReindex, "no-reindex", false,
		"Skip reindex bookkeeping for added fields")

	bucketCmd.AddCommand(bucketCreateCmd)
	bucketCmd.AddCommand(bucketUpdateCmd)
	bucketCmd.AddCommand(bucketGetCmd)
	bucketCmd.AddCommand(bucketDelCmd)
	bucketCmd.AddCommand(bucketListCmd)
}

func readBucketConfig() (*moray.BucketConfig, error) {
	var data []byte
	var err error
	if bucketConfigFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(bucketConfigFile)
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket config: %w", err)
	}
	return moray.DecodeBucketConfig(data)
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readBucketConfig()
		if err != nil {
			return err
		}
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.CreateBucket(cmd.Context(), args[0], cfg)
	},
}

var bucketUpdateCmd = &cobra.Command{
	Use:   "update NAME",
	Short: "Update a bucket's schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readBucketConfig()
		if err != nil {
			return err
		}
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.UpdateBucket(cmd.Context(), args[0], cfg,
			moray.UpdateBucketOptions{NoReindex: bucketNoReindex})
	},
}

// printable is the JSON view of a descriptor.
type printableBucket struct {
	Name          string                       `json:"name"`
	Index         map[string]moray.FieldConfig `json:"index"`
	Pre           []string                     `json:"pre,omitempty"`
	Post          []string                     `json:"post,omitempty"`
	Options       moray.BucketOptions          `json:"options"`
	ReindexActive moray.ReindexMap             `json:"reindex_active,omitempty"`
	Mtime         string                       `json:"mtime"`
}

func printBucket(b *moray.Bucket) error {
	out := printableBucket{
		Name:          b.Name,
		Index:         b.Index,
		Pre:           b.PreNames,
		Post:          b.PostNames,
		Options:       b.Options,
		ReindexActive: b.ReindexActive,
		Mtime:         b.Mtime.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var bucketGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a bucket's schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		b, err := s.GetBucket(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printBucket(b)
	},
}

var bucketDelCmd = &cobra.Command{
	Use:   "del NAME",
	Short: "Delete a bucket and all its objects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.DelBucket(cmd.Context(), args[0])
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buckets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		bs, err := s.ListBuckets(cmd.Context())
		if err != nil {
			return err
		}
		for _, b := range bs {
			if err := printBucket(b); err != nil {
				return err
			}
		}
		return nil
	},
}
