// Command docdigest summarizes a document's text, tables and images and
// stores the summaries for retrieval.
//
// Usage:
//
//	go run -tags sqlite_fts5 ./cmd/docdigest [flags] report.json
//	go run -tags sqlite_fts5 ./cmd/docdigest -search "operating costs"
//	go run -tags sqlite_fts5 ./cmd/docdigest -runs
//	go run -tags sqlite_fts5 ./cmd/docdigest -delete <run-id>
//
// Configuration is read from -config (JSON or YAML), then .env files, then
// DOCDIGEST_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/brunobiangulo/docdigest"
)

// stringSlice implements flag.Value for repeatable flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(val string) error {
	*s = append(*s, val)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var envFiles stringSlice

	fs := flag.NewFlagSet("docdigest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "Path to config file (JSON or YAML)")
		maxPages   = fs.Int("max-pages", -1, "Ignore text and tables past this page (0 = no limit, -1 = from config)")
		noStore    = fs.Bool("no-store", false, "Do not persist the run")
		parallel   = fs.Bool("parallel", false, "Summarize text, tables and images concurrently")
		asJSON     = fs.Bool("json", false, "Print results as JSON")
		verbose    = fs.Bool("v", false, "Verbose logging")
		search     = fs.String("search", "", "Search stored summaries instead of processing a file")
		kind       = fs.String("kind", "", "Restrict -search to text, table or image summaries")
		listRuns   = fs.Bool("runs", false, "List stored runs")
		deleteRun  = fs.String("delete", "", "Delete a stored run by ID")
	)
	fs.Var(&envFiles, "env", "Load variables from this .env file (repeatable, default .env)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath, envFiles)
	if err != nil {
		slog.Error("loading config", "error", err)
		return 1
	}
	if *noStore {
		cfg.SkipStore = true
	}
	if *parallel {
		cfg.ParallelStages = true
	}

	engine, err := docdigest.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return 1
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *search != "":
		var opts []docdigest.SearchOption
		if *kind != "" {
			opts = append(opts, docdigest.WithKind(*kind))
		}
		hits, err := engine.Search(ctx, *search, opts...)
		if err != nil {
			if errors.Is(err, docdigest.ErrNoResults) {
				fmt.Fprintln(stdout, "No matching summaries.")
				return 0
			}
			slog.Error("search failed", "error", err)
			return 1
		}
		return output(stdout, *asJSON, hits, func(w io.Writer) error { return printHits(w, hits) })

	case *listRuns:
		runs, err := engine.Runs(ctx)
		if err != nil {
			slog.Error("listing runs", "error", err)
			return 1
		}
		return output(stdout, *asJSON, runs, func(w io.Writer) error { return printRuns(w, runs) })

	case *deleteRun != "":
		if err := engine.DeleteRun(ctx, *deleteRun); err != nil {
			slog.Error("deleting run", "run_id", *deleteRun, "error", err)
			return 1
		}
		fmt.Fprintf(stdout, "Deleted run %s\n", *deleteRun)
		return 0
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: docdigest [flags] <document>")
		fs.PrintDefaults()
		return 2
	}

	var opts []docdigest.ProcessOption
	if *maxPages >= 0 {
		opts = append(opts, docdigest.WithMaxPages(*maxPages))
	}

	res, err := engine.Process(ctx, fs.Arg(0), opts...)
	if err != nil {
		switch {
		case errors.Is(err, docdigest.ErrExtractionFailed), errors.Is(err, docdigest.ErrUnsupportedFormat):
			slog.Error("cannot read document", "path", fs.Arg(0), "error", err)
			return 1
		case res == nil:
			slog.Error("processing failed", "path", fs.Arg(0), "error", err)
			return 1
		}
		// Canceled mid-run: report what was done, then fail.
		slog.Warn("run interrupted", "error", err)
		output(stdout, *asJSON, res, func(w io.Writer) error { return docdigest.WriteReport(w, res) })
		return 130
	}
	return output(stdout, *asJSON, res, func(w io.Writer) error { return docdigest.WriteReport(w, res) })
}

func loadConfig(path string, envFiles []string) (docdigest.Config, error) {
	cfg := docdigest.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = docdigest.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if err := docdigest.LoadDotEnv(envFiles...); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func output(w io.Writer, asJSON bool, v any, text func(io.Writer) error) int {
	var err error
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(v)
	} else {
		err = text(w)
	}
	if err != nil {
		slog.Error("writing output", "error", err)
		return 1
	}
	return 0
}

func printHits(w io.Writer, hits []docdigest.Hit) error {
	for i, h := range hits {
		fmt.Fprintf(w, "%d. [%s %s] %s (score %.4f, %s)\n",
			i+1, h.Kind, h.Label, h.Filename, h.Score, strings.Join(h.Methods, "+"))
		if h.Snippet != "" {
			fmt.Fprintf(w, "   %s\n", h.Snippet)
		}
	}
	return nil
}

func printRuns(w io.Writer, runs []docdigest.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tGENERATED\tFAILED\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Filename, r.Status, r.Generated, r.Failed, r.CreatedAt)
	}
	return tw.Flush()
}
