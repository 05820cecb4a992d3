// Package main provides the recordsync CLI for ingesting CSV files and
// keeping the document and vector stores in step.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/recordsync/internal/app"
	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/config"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/markdown"
	"github.com/bull/recordsync/internal/repair"
)

const envHelp = `
Environment variables:
  STORE_DOCUMENTS  postgres or memory (default: postgres)
  STORE_VECTORS    qdrant or memory (default: qdrant)
  POSTGRES_DSN     Postgres connection string
  QDRANT_HOST      Qdrant hostname (default: localhost)
  QDRANT_PORT      Qdrant gRPC port (default: 6334)
  OPENAI_API_KEY   OpenAI API key for embeddings (required to embed)
  INGEST_DELIMITER CSV delimiter (default: ;)`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "recordsync",
		Short:         "CSV record ingestion with a document store and a vector index",
		Long:          "CLI tool for ingesting CSV records into Postgres and Qdrant, auditing drift between them and repairing it." + envHelp,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "optional YAML config file")

	root.AddCommand(
		c.ingestCmd(),
		c.deleteCmd(),
		c.auditCmd(),
		c.repairCmd(),
		c.askCmd(),
		c.convertCmd(),
	)
	return root
}

func (c *cli) build(cmd *cobra.Command, opts app.Options) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	return app.Build(cmd.Context(), cfg, opts)
}

func (c *cli) ingestCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a CSV file into both stores",
		Long: `Parses the file, embeds every record and writes it to the document store
and the vector store. Records of an earlier upload of the same file name in
the same namespace are replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := c.build(cmd, app.Options{NeedOpenAI: true})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			start := time.Now()
			job, err := a.Ingestor.Run(cmd.Context(), indexer.Upload{
				FileName:  filepath.Base(args[0]),
				Namespace: namespace,
				Data:      data,
			})
			printJob(cmd, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Total time: %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace (default: default)")
	return cmd
}

func printJob(cmd *cobra.Command, job indexer.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s: %s\n", job.ID, job.State)
	fmt.Fprintf(out, "  File: %s (namespace %s)\n", job.FileName, job.Namespace)
	fmt.Fprintf(out, "  Records: %d parsed, %d dropped\n", job.Parsed, job.Dropped)
	fmt.Fprintf(out, "  Embedded: %d/%d\n", job.Successful, job.Successful+job.Failed)
	fmt.Fprintf(out, "  Chunks: %d/%d\n", job.ChunksDone, job.ChunksTotal)
	if job.RolledBack > 0 {
		fmt.Fprintf(out, "  Rolled back: %d\n", job.RolledBack)
	}
	if job.ArchiveKey != "" {
		fmt.Fprintf(out, "  Archived: %s\n", job.ArchiveKey)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", job.Error)
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "delete FILE_NAME",
		Short: "Delete every record of a file from both stores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.build(cmd, app.Options{NeedOpenAI: true})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Ingestor.DeleteFile(cmd.Context(), args[0], namespace)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d documents and %d vectors\n", res.Documents, res.Vectors)
			return err
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace (default: default)")
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	var replayLog string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare both stores per file",
		Long: `Counts records per file in the document store and the vector store and
lists orphaned vectors. With --replay-log the records missing a vector are
written to FILE in the format read by "repair --log".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.build(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Auditor.Audit(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd, report)

			if replayLog == "" {
				return nil
			}
			diffs, err := a.Auditor.DiffAll(cmd.Context(), report)
			if err != nil {
				return err
			}
			f, err := os.Create(replayLog)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := audit.WriteReplayLog(f, diffs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReplay log written to %s\n", replayLog)
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&replayLog, "replay-log", "", "write records missing a vector to FILE")
	return cmd
}

func printReport(cmd *cobra.Command, r *audit.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-40s %10s %10s %8s\n", "FILE", "DOCUMENTS", "VECTORS", "DELTA")
	for _, f := range r.Files {
		mark := ""
		if f.Truncated {
			mark = " (vector count capped)"
		}
		fmt.Fprintf(out, "%-40s %10d %10d %8d%s\n", f.FileName, f.DocumentCount, f.VectorCount, f.Delta, mark)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Documents without vectors: %d\n", r.TotalDangling)
	fmt.Fprintf(out, "Vectors without documents: %d\n", r.TotalStale)
	fmt.Fprintf(out, "Orphaned vectors: %d\n", r.TotalOrphans)
	for _, id := range r.OrphanIDs {
		fmt.Fprintf(out, "  - %s\n", id)
	}
	if r.Healthy() {
		fmt.Fprintln(out, "Stores are consistent")
	}
}

func (c *cli) repairCmd() *cobra.Command {
	var (
		logPath string
		auto    bool
	)
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Re-embed records listed in a replay log",
		Long: `Reads the records written by "audit --replay-log", re-embeds those without
a vector, patches orphaned vectors and upserts the documents. Batches are
confirmed interactively unless --auto is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(logPath)
			if err != nil {
				return err
			}
			targets, err := repair.ParseReplayLog(f)
			f.Close()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(targets) == 0 {
				fmt.Fprintln(out, "Nothing to repair")
				return nil
			}

			a, err := c.build(cmd, app.Options{
				NeedOpenAI: true,
				Confirmer:  repair.NewPromptConfirmer(cmd.InOrStdin(), out),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Repair.Repair(cmd.Context(), targets, auto)
			if summary != nil {
				printSummary(cmd, summary)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "replay log to read")
	cmd.Flags().BoolVar(&auto, "auto", false, "repair every batch without asking")
	_ = cmd.MarkFlagRequired("log")
	return cmd
}

func printSummary(cmd *cobra.Command, s *repair.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Repair complete!")
	fmt.Fprintf(out, "  Targets: %d\n", s.Total)
	fmt.Fprintf(out, "  Re-embedded: %d\n", s.Reembedded)
	fmt.Fprintf(out, "  Patched: %d\n", s.Patched)
	fmt.Fprintf(out, "  Already synced: %d\n", s.Synced)
	fmt.Fprintf(out, "  Skipped: %d\n", s.Skipped)
	fmt.Fprintf(out, "  Dimension mismatch: %d\n", s.DimensionMismatch)
	fmt.Fprintf(out, "  Failed: %d\n", s.Failed)
	fmt.Fprintf(out, "  Duration: %s\n", s.Duration.Round(time.Millisecond))

	for _, r := range s.Results {
		if r.Error != "" {
			fmt.Fprintf(out, "  - %s (%s): %s\n", r.Code, r.Outcome, r.Error)
		}
	}
}

func (c *cli) askCmd() *cobra.Command {
	var (
		namespace string
		topK      int
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the indexed records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.build(cmd, app.Options{NeedOpenAI: true})
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.Query.Ask(cmd.Context(), args[0], namespace, topK)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, answer.Answer)
			if len(answer.Sources) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Sources:")
				for _, h := range answer.Sources {
					fmt.Fprintf(out, "  [%s] %.3f %s\n", h.Code, h.Score, h.MetadataSmall)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace to search (default: all)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "records given to the model (default 5)")
	return cmd
}

func (c *cli) convertCmd() *cobra.Command {
	var (
		output   string
		encode   bool
		maxField int
	)
	cmd := &cobra.Command{
		Use:   "convert-md FILE",
		Short: "Convert a markdown document into an ingestible CSV",
		Long: `Splits the document at its level 1 and 2 headings and writes one CSV row per
section: the code is derived from the document and heading, metadata_small
holds a summary and the section body fills metadata_big_1..3.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			conv := markdown.NewConverter(markdown.ConverterConfig{BigFieldBytes: maxField, Base64: encode})
			rows, err := conv.Convert(source, filepath.Base(args[0]))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := conv.WriteCSV(w, rows, cfg.Delimiter()); err != nil {
				return err
			}
			for _, r := range rows {
				if r.Truncated {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: section %s did not fit and was truncated\n", r.Code)
				}
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d rows to %s\n", len(rows), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "out", "o", "", "write the CSV to FILE instead of stdout")
	cmd.Flags().BoolVar(&encode, "base64", false, "base64 encode metadata fields")
	cmd.Flags().IntVar(&maxField, "max-field-bytes", 0, "size of each metadata_big column (default 8000)")
	return cmd
}
