package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"dropbeam/internal/server/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	sweepForce  bool
	sweepDryRun bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired transfers once and exit",
	Long: `Delete every expired transfer, its stored files, and abandoned upload
chunks, then print a report.

Without --force the command asks for confirmation, and refuses to run when
stdin is not a terminal. --dry-run reports what would be deleted and deletes
nothing.

Example:
  dropbeam-server sweep --dry-run
  dropbeam-server sweep --force`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepForce, "force", false, "Skip the confirmation prompt")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Report without deleting")
}

var errNotConfirmed = errors.New("sweep not confirmed")

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper := a.sweeper()
	out := cmd.OutOrStdout()

	if !sweepDryRun && !sweepForce {
		pending, err := sweeper.Pending(ctx)
		if err != nil {
			return err
		}
		if err := confirm(os.Stdin, out, fmt.Sprintf("Delete %d expired transfer(s) and abandoned upload chunks?", pending)); err != nil {
			return err
		}
	}

	report, err := sweeper.Run(ctx, sweepDryRun)
	if report != nil {
		printReport(out, report)
	}
	return err
}

// confirm asks a yes/no question on an interactive terminal.
func confirm(in *os.File, out io.Writer, question string) error {
	if !term.IsTerminal(int(in.Fd())) {
		return fmt.Errorf("%w: stdin is not a terminal, pass --force", errNotConfirmed)
	}
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if !isYes(answer) {
		return errNotConfirmed
	}
	return nil
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func printReport(out io.Writer, r *storage.CleanupReport) {
	verb := "Deleted"
	if r.DryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(out, "%s %d of %d expired transfer(s), %d file(s), %s\n",
		verb, r.Deleted, r.Candidates, r.FilesDeleted, humanize.IBytes(uint64(r.BytesFreed)))

	backends := make([]string, 0, len(r.PerBackend))
	for kind := range r.PerBackend {
		backends = append(backends, kind)
	}
	sort.Strings(backends)
	for _, kind := range backends {
		fmt.Fprintf(out, "  %-8s %s file(s)\n", kind, humanize.Comma(int64(r.PerBackend[kind])))
	}

	if r.NotFound > 0 {
		fmt.Fprintf(out, "Already missing: %d object(s)\n", r.NotFound)
	}
	if r.AbandonedChunks > 0 {
		fmt.Fprintf(out, "Abandoned upload chunks: %d\n", r.AbandonedChunks)
	}
	if r.Failures > 0 {
		fmt.Fprintf(out, "Failures: %d (kept for the next sweep)\n", r.Failures)
	}
	fmt.Fprintf(out, "Took %s\n", r.Duration.Round(1e6))
}
