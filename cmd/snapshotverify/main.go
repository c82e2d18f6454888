// Command snapshotverify recomputes a snapshot file's footer checksum and
// reports OK or CORRUPT, without needing the WAL or a running engine (spec
// §4.3). It accepts either a single storage.dat path or a store root
// directory, in which case every shard-N/storage.dat beneath it is checked.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dreamware/cortex/internal/snapshot"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshotverify <path>...",
		Short: "Verify one or more snapshot files' footer checksums",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			corrupt := false
			for _, path := range args {
				files, err := resolveSnapshotFiles(path)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStderr(), "%s: %v\n", path, err)
					corrupt = true
					continue
				}
				for _, f := range files {
					if !verifyOne(cmd, f) {
						corrupt = true
					}
				}
			}
			if corrupt {
				return fmt.Errorf("one or more snapshots failed verification")
			}
			return nil
		},
	}
	return cmd
}

// resolveSnapshotFiles expands path into the concrete storage.dat files it
// names: itself if it is a file, or every shard-N/storage.dat beneath it if
// it is a store root directory.
func resolveSnapshotFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "shard-*", "storage.dat"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no shard-*/storage.dat found under %s", path)
	}
	return matches, nil
}

func verifyOne(cmd *cobra.Command, path string) bool {
	if err := snapshot.VerifyChecksum(path); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: CORRUPT (%v)\n", path, err)
		return false
	}

	sf, err := snapshot.Open(path)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK checksum, but open failed (%v)\n", path, err)
		return false
	}
	defer sf.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK concepts=%d associations=%d vectors=%d dimension=%d last_seq=%d\n",
		path, sf.ConceptCount(), sf.AssociationCount(), sf.VectorCount(), sf.Dimension(), sf.LastSeq())
	return true
}
