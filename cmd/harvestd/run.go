package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/harvest"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
)

type runOptions struct {
	from     string
	to       string
	category string
	status   string
	max      int
	ask      bool
	out      string
	formats  []string
	quiet    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest matching tickets once and write the artifacts",
		Long: `Search tickets in a date range, process them in order and write the
artifacts to the output directory. Paths of the written files go to stdout,
progress goes to stderr.

Ctrl-C stops after the current ticket and still writes what was collected;
a second Ctrl-C aborts the ticket in flight.

Examples:
  # All complaints from March
  harvestd run --from 2024-03-01 --to 2024-03-31 --category Reklamace

  # First 50 open tickets, JSON and XLSX only
  harvestd run --from 2024-03-01 --to 2024-03-31 --status Otevřený --max 50 --format json,xlsx

  # Decide the count after seeing how many tickets matched
  harvestd run --from 2024-03-01 --to 2024-03-31 --ask`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.from, "from", "", "first day, YYYY-MM-DD (required)")
	f.StringVar(&opts.to, "to", "", "last day, YYYY-MM-DD (required)")
	f.StringVar(&opts.category, "category", "", "category name or title, empty matches all")
	f.StringVar(&opts.status, "status", "", "status name or title, empty matches all")
	f.IntVar(&opts.max, "max", 0, "process at most this many tickets, 0 processes all found")
	f.BoolVar(&opts.ask, "ask", false, "prompt for the ticket count after the search")
	f.StringVar(&opts.out, "out", "", "output directory (default export.output_dir)")
	f.StringSliceVar(&opts.formats, "format", nil, "artifact formats: json, ids, report, xlsx (default export.formats)")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runHarvest(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	from, err := daktela.ParseDate(opts.from)
	if err != nil {
		return err
	}
	to, err := daktela.ParseDate(opts.to)
	if err != nil {
		return err
	}
	filter := daktela.Filter{
		DateFrom:   from,
		DateTo:     to,
		Category:   opts.category,
		Status:     opts.status,
		MaxResults: opts.max,
	}
	if err := filter.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	client, err := a.client()
	if err != nil {
		return err
	}
	san, err := a.sanitizer()
	if err != nil {
		return err
	}
	ctl := a.controller(client, san)

	stderr := cmd.ErrOrStderr()
	stopSignals := cancelOnSignal(ctx, ctl, cancel, stderr)
	defer stopSignals()

	ctx = logging.WithJobID(ctx, "cli")
	found, err := ctl.Search(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "Found %d tickets for %s\n", len(found), filter.Label())

	limit := opts.max
	if opts.ask && len(found) > 0 {
		limit, err = promptLimit(cmd.InOrStdin(), stderr, len(found))
		if err != nil {
			return err
		}
	}

	var progress harvest.ProgressFunc
	if !opts.quiet {
		progress = progressPrinter(stderr)
	}
	res, err := ctl.Run(ctx, limit, progress)
	if err != nil {
		return err
	}
	if progress != nil && res.Stats.Submitted > 0 {
		fmt.Fprintln(stderr)
	}

	dir := opts.out
	if dir == "" {
		dir = a.cfg.Export.OutputDir
	}
	formats := opts.formats
	if len(formats) == 0 {
		formats = a.cfg.Export.Formats
	}
	paths, err := export.WriteAll(dir, res, formats)
	if err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}

	st := res.Stats
	fmt.Fprintf(stderr, "Processed %d of %d tickets: %d recorded, %d skipped, %d empty, %d activities\n",
		st.Submitted, st.Found, st.TicketCount, st.Skipped, st.EmptyTickets, st.ActivityCount)
	if st.Cancelled {
		fmt.Fprintln(stderr, "Run was cancelled; the artifacts hold the partial result.")
	}
	if st.Truncated {
		fmt.Fprintln(stderr, "Search hit the page size; enable api.follow_pages to fetch every match.")
	}
	a.logger.Info(ctx, "harvest finished",
		zap.Int("tickets", st.TicketCount),
		zap.Int("skipped", st.Skipped),
		zap.Strings("artifacts", paths))
	return nil
}

// cancelOnSignal asks the controller to stop on the first interrupt and
// cancels ctx on the second. The returned func stops listening.
func cancelOnSignal(ctx context.Context, ctl *harvest.Controller, cancel context.CancelFunc, w io.Writer) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(w, "\nStopping after the current ticket, interrupt again to abort")
			ctl.Cancel()
		case <-done:
			return
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			cancel()
		case <-done:
		case <-ctx.Done():
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// promptLimit asks how many of found tickets to process. An empty answer
// processes all of them.
func promptLimit(in io.Reader, out io.Writer, found int) (int, error) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "How many tickets to process? [%d]: ", found)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, fmt.Errorf("reading answer: %w", err)
			}
			return 0, nil
		}
		answer := strings.TrimSpace(scanner.Text())
		if answer == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 0 {
			return n, nil
		}
		fmt.Fprintln(out, "Enter a whole number of tickets, or nothing for all.")
	}
}

// progressPrinter rewrites one status line per ticket.
func progressPrinter(w io.Writer) harvest.ProgressFunc {
	return func(p harvest.JobProgress) {
		eta := time.Duration(p.ETASeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(w, "\r[%d/%d] ticket %-12s ETA %-10s", p.CurrentIndex, p.TotalCount, p.CurrentTicketID, eta)
	}
}
