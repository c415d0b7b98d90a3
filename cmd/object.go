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
	putEtag     string
	putIfAbsent bool
	delEtag     string
)

func init() {
	putCmd.Flags().StringVar(&putEtag, "etag", "",
		"Require the stored object to carry this etag")
	putCmd.Flags().BoolVar(&putIfAbsent, "if-absent", false,
		"Fail when the key already exists")
	delCmd.Flags().StringVar(&delEtag, "etag", "",
		"Require the stored object to carry this etag")
}

func readValue(args []string) (map[string]any, error) {
	var data []byte
	var err error
	if len(args) > 0 && args[0] != "-" {
		data = []byte(args[0])
	} else if data, err = io.ReadAll(os.Stdin); err != nil {
		return nil, fmt.Errorf("read value: %w", err)
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("value must be a JSON object: %w", err)
	}
	return value, nil
}

func printObject(obj map[string]any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(obj)
}

var putCmd = &cobra.Command{
	Use:   "put BUCKET KEY [VALUE]",
	Short: "Write an object (VALUE is JSON, '-' or stdin)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readValue(args[2:])
		if err != nil {
			return err
		}
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		opts := moray.PutOptions{EtagNull: putIfAbsent}
		if putEtag != "" {
			opts.Etag = &putEtag
		}
		etag, err := s.PutObject(cmd.Context(), args[0], args[1], value, opts)
		if err != nil {
			return err
		}
		fmt.Println(etag)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get BUCKET KEY",
	Short: "Read an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		obj, err := s.GetObject(cmd.Context(), args[0], args[1], moray.GetOptions{})
		if err != nil {
			return err
		}
		return printObject(obj)
	},
}

var delCmd = &cobra.Command{
	Use:   "del BUCKET KEY",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		opts := moray.DelOptions{}
		if delEtag != "" {
			opts.Etag = &delEtag
		}
		return s.DelObject(cmd.Context(), args[0], args[1], opts)
	},
}
