package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"citation-capture/feature/citation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Flags for maintenance commands
var maintenanceContents []string

// maintenanceCmd is the parent command for registry maintenance operations.
var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Repair and republish registry targets",
	Long: `Maintenance operations over the citation registry.

Operations that accept --content act on the given identifiers only; without it
they act on every eligible target.`,
}

func maintenanceOp(use, short string, withContents bool, run func(ctx context.Context, p *citation.Processor, args []string) (*citation.Report, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := run(cmd.Context(), a.processor, args)
			if err != nil {
				return err
			}
			printReport(a.logger, report)
			if report.Failed > 0 {
				return fmt.Errorf("%s: %d of %d targets failed", report.Operation, report.Failed, report.Total)
			}
			return nil
		},
	}
	if withContents {
		cmd.Flags().StringSliceVar(&maintenanceContents, "content", nil, "Cited identifiers to act on (repeatable)")
	}
	return cmd
}

func init() {
	maintenanceCmd.AddCommand(
		maintenanceOp("reresolve", "Recompute the bibcode of registered targets", true,
			func(ctx context.Context, p *citation.Processor, _ []string) (*citation.Report, error) {
				return p.ReresolveBibcodes(ctx, maintenanceContents)
			}),
		maintenanceOp("refetch", "Refetch and apply the metadata of registered targets", true,
			func(ctx context.Context, p *citation.Processor, _ []string) (*citation.Report, error) {
				return p.RefetchMetadata(ctx, maintenanceContents)
			}),
		maintenanceOp("reset-curation", "Discard curated metadata", true,
			func(ctx context.Context, p *citation.Processor, _ []string) (*citation.Report, error) {
				return p.ResetCuration(ctx, maintenanceContents)
			}),
		maintenanceOp("resend", "Republish every registered target", false,
			func(ctx context.Context, p *citation.Processor, _ []string) (*citation.Report, error) {
				return p.ResendRegistered(ctx)
			}),
		maintenanceOp("reprocess-discarded", "Retry discarded DOI targets", false,
			func(ctx context.Context, p *citation.Processor, _ []string) (*citation.Report, error) {
				return p.ReprocessDiscarded(ctx)
			}),
	)

	curate := maintenanceOp("curate <file.jsonl>", "Apply curated metadata from a JSON-lines file", false,
		func(ctx context.Context, p *citation.Processor, args []string) (*citation.Report, error) {
			entries, err := readCuration(args[0])
			if err != nil {
				return nil, err
			}
			return p.ApplyCuration(ctx, entries)
		})
	curate.Args = cobra.ExactArgs(1)
	maintenanceCmd.AddCommand(curate)

	RootCmd.AddCommand(maintenanceCmd)
}

// readCuration parses one curation entry per non-empty line.
func readCuration(path string) ([]citation.CurationEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open curation file: %w", err)
	}
	defer f.Close()

	var entries []citation.CurationEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry citation.CurationEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("curation line %d: %w", line, err)
		}
		if entry.Content == "" {
			return nil, fmt.Errorf("curation line %d has no content", line)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read curation file: %w", err)
	}
	return entries, nil
}

// printReport logs a maintenance report.
func printReport(l *zap.Logger, r *citation.Report) {
	l.Info("Maintenance report",
		zap.String("operation", r.Operation),
		zap.Int("total", r.Total),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("skipped", r.Skipped),
		zap.Int("failed", r.Failed),
	)
	for _, key := range r.FailedKeys() {
		l.Warn("Target failed", zap.String("content", key), zap.String("error", r.Failures[key]))
	}
}
