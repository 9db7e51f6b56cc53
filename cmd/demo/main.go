// Command demo drives a txfs file from the command line: open/initialize
// it, put/get/remove individual keys, scan a key range, and run explicit
// multi-key transactions that either commit or roll back, to make the
// commit protocol's atomicity observable from the shell.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/intellect4all/txfs/engine"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	dataPath string
	verbose  bool
	readOnly bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "demo",
		Short: "Exercise a txfs single-file transactional store",
	}
	rootCmd.PersistentFlags().StringVar(&dataPath, "path", "./demo.txfs", "backing file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable structured logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "open without mutating the file, even to recover an interrupted commit")

	rootCmd.AddCommand(
		openCmd(),
		putCmd(),
		getCmd(),
		rmCmd(),
		scanCmd(),
		commitCmd(),
		rollbackCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openFileSystem() (*engine.FileSystem, error) {
	cfg := engine.DefaultConfig(dataPath)
	cfg.ReadOnly = readOnly
	if verbose {
		cfg.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return engine.Open(cfg)
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Initialize or recover the backing file and report its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()
			fmt.Printf("opened %s\n", dataPath)
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Insert or overwrite a key in its own committed transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()

			a := engine.NewAdapter(fs)
			if err := a.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Printf("put %q\n", args[0])
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()

			a := engine.NewAdapter(fs)
			value, err := a.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key in its own committed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()

			a := engine.NewAdapter(fs)
			if err := a.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Printf("removed %q\n", args[0])
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan [prefix]",
		Short: "Iterate keys in sorted order starting at prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()

			var start []byte
			if len(args) == 1 {
				start = []byte(args[0])
			}

			rt, err := fs.BeginRead()
			if err != nil {
				return err
			}
			defer rt.Close()

			cur, err := rt.Begin(start)
			if err != nil {
				return err
			}
			defer cur.Close()

			n := 0
			for cur.Valid() {
				if limit > 0 && n >= limit {
					break
				}
				fmt.Printf("%s = %s\n", cur.Key(), cur.Value())
				n++
				if err := cur.Next(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many keys (0 = unlimited)")
	return cmd
}

// parsePairs turns a list of "key=value" arguments into a slice of
// [2][]byte pairs, for commitCmd/rollbackCmd's multi-key transactions.
func parsePairs(args []string) ([][2][]byte, error) {
	pairs := make([][2][]byte, 0, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		pairs = append(pairs, [2][]byte{[]byte(k), []byte(v)})
	}
	return pairs, nil
}

func commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit key=value [key=value ...]",
		Short: "Insert several keys in one write transaction and commit them atomically",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := parsePairs(args)
			if err != nil {
				return err
			}
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()

			wt, err := fs.BeginWrite()
			if err != nil {
				return err
			}
			for _, p := range pairs {
				if err := wt.Insert(p[0], p[1]); err != nil {
					wt.Rollback()
					return err
				}
			}
			if err := wt.Commit(); err != nil {
				return err
			}
			fmt.Printf("committed %d keys\n", len(pairs))
			return nil
		},
	}
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback key=value [key=value ...]",
		Short: "Insert several keys in one write transaction, then discard them to demonstrate rollback",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := parsePairs(args)
			if err != nil {
				return err
			}
			fs, err := openFileSystem()
			if err != nil {
				return err
			}
			defer fs.Close()

			wt, err := fs.BeginWrite()
			if err != nil {
				return err
			}
			for _, p := range pairs {
				if err := wt.Insert(p[0], p[1]); err != nil {
					wt.Rollback()
					return err
				}
			}
			if err := wt.Rollback(); err != nil {
				return err
			}
			fmt.Printf("rolled back %d keys; none were persisted\n", len(pairs))
			return nil
		},
	}
}
