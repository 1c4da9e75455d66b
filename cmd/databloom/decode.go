package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/databloom/internal/frame"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/store"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode a captured record stream",
	Long: `Decode "seq,moisture,temp,light" records from a file or stdin, exactly as the
monitor would, and report sequence gaps, duplicates and restarts.

Useful with the PTY mirror: databloom decode < /tmp/databloom`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

var decodeJSON bool

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "Print records as JSON lines instead of CSV")
	decodeCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

// decodeSummary accumulates what a stream looked like.
type decodeSummary struct {
	Records    uint64 `json:"records"`
	Malformed  uint64 `json:"malformed"`
	Lost       uint64 `json:"lost"`
	Duplicates uint64 `json:"duplicates"`
	Restarts   uint64 `json:"restarts"`
}

func (s decodeSummary) String() string {
	return fmt.Sprintf("%d records, %d malformed, %d lost, %d duplicates, %d restarts",
		s.Records, s.Malformed, s.Lost, s.Duplicates, s.Restarts)
}

func runDecode(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		defer f.Close()
		in = f
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var (
		summary decodeSummary
		seq     store.SeqTracker
		werr    error
	)
	dec := frame.NewDecoder(func(p sample.Payload) {
		summary.Records++
		outcome, lost := seq.Observe(p.Seq)
		summary.Lost += lost
		switch outcome {
		case store.SeqDuplicate:
			summary.Duplicates++
		case store.SeqReset:
			summary.Restarts++
		}
		if werr != nil {
			return
		}
		if decodeJSON {
			werr = enc.Encode(p)
		} else {
			_, werr = out.Write(p.AppendCSV(nil))
		}
	}, logger)

	if _, err := io.Copy(dec, in); err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}
	// terminate a final line that has no newline
	_, _ = dec.Write([]byte{'\n'})
	if werr != nil {
		return werr
	}

	summary.Malformed = dec.Dropped()
	fmt.Fprintln(cmd.ErrOrStderr(), summary)
	return nil
}
