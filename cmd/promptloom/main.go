// Package main provides the entry point for promptloom.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/promptloom/promptloom/internal/config"
	"github.com/promptloom/promptloom/internal/httpapi"
	"github.com/promptloom/promptloom/internal/learner"
	"github.com/promptloom/promptloom/internal/provider"
	"github.com/promptloom/promptloom/internal/store"
	"github.com/promptloom/promptloom/internal/studio"
	"github.com/promptloom/promptloom/internal/types"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		cmdServe(args)
	case "sessions":
		cmdSessions(args)
	case "show":
		cmdShow(args)
	case "search":
		cmdSearch(args)
	case "stats":
		cmdStats(args)
	case "prefs":
		cmdPrefs(args)
	case "suggest":
		cmdSuggest(args)
	case "export":
		cmdExport(args)
	case "import":
		cmdImport(args)
	case "prune":
		cmdPrune(args)
	case "version":
		fmt.Printf("promptloom %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`promptloom - adaptive prompt studio engine

Usage:
  promptloom <command> [options]

Commands:
  serve [--config file.yaml]    Run the studio HTTP/websocket server
  sessions [--limit N]          Show recent generation sessions
  show <session-id>             Print one session in full
  search <query> [--limit N]    Search sessions by base image or dimensions
  stats                         Session and outcome statistics
  prefs                         Dump the learned preference rankings
  suggest                       Print current suggestions for an empty editor
  export [--output file.jsonl]  Export all sessions to JSONL
  import <file.jsonl>           Import sessions from JSONL
  prune [--before DATE] [--unsatisfied]  Delete old or failed sessions

  version                       Print version information
  help                          Show this help message

Environment Variables:
  PL_DB_PATH          Database path (default: promptloom.db)
  PL_LISTEN_ADDR      HTTP listen address (default: :8470)
  PL_OPENAI_API_KEY   OpenAI API key for the generation provider
  PL_OPENAI_MODEL     Provider model name
`)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore() *store.BoltStore {
	cfg := loadConfig(os.Getenv("PL_CONFIG"))
	s, err := store.NewBoltStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return s
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("PL_CONFIG"), "Path to a YAML config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	db, err := store.NewBoltStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	opts := studio.Options{
		Store:           db,
		Logger:          logger,
		HistoryCapacity: cfg.History.Capacity,
		Autoplay:        cfg.Autoplay,
	}
	if cfg.Provider.APIKey != "" {
		p, err := provider.NewOpenAIProvider(cfg.Provider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts.Generator = p
		opts.Evaluator = p
		opts.Polisher = p
	} else {
		logger.Warn("no provider API key configured, generation uses the local fallback only")
	}

	engine := studio.New(opts)
	defer engine.Close()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: httpapi.NewServer(engine, db, logger).Routes(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	logger.Info("promptloom serving", "addr", cfg.Server.ListenAddr, "db", cfg.DBPath, "version", version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of sessions to show")
	fs.Parse(args)

	s := openStore()
	defer s.Close()

	sessions, err := s.ListSessions(*limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	printSummaries(sessions)
}

func printSummaries(sessions []types.SessionSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tITERATIONS\tOUTCOME\tDATE")
	fmt.Fprintln(w, "--\t----\t----------\t-------\t----")
	for _, sess := range sessions {
		outcome := "abandoned"
		if sess.Satisfied {
			outcome = "satisfied"
		} else if sess.EndedAt == nil {
			outcome = "open"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			shortID(sess.ID), sess.OutputMode, sess.IterationCount, outcome,
			sess.StartedAt.Format("2006-01-02"))
	}
	w.Flush()
}

func cmdShow(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: promptloom show <session-id>")
		os.Exit(1)
	}

	s := openStore()
	defer s.Close()

	sess, err := findSession(s, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Session:    %s\n", sess.ID)
	fmt.Printf("Started:    %s\n", sess.StartedAt.Format(time.RFC3339))
	if sess.EndedAt != nil {
		fmt.Printf("Ended:      %s (%s)\n", sess.EndedAt.Format(time.RFC3339),
			sess.EndedAt.Sub(sess.StartedAt).Round(time.Second))
	}
	fmt.Printf("Mode:       %s\n", sess.OutputMode)
	fmt.Printf("Satisfied:  %t\n", sess.Satisfied)
	if sess.BaseImage != "" {
		fmt.Printf("Base image: %s\n", sess.BaseImage)
	}
	if len(sess.Dimensions) > 0 {
		fmt.Println("Dimensions:")
		for _, d := range sess.Dimensions {
			fmt.Printf("  %-14s %q (weight %.2f)\n", d.Type, d.Reference, d.Weight)
		}
	}
	fmt.Printf("Iterations: %d\n", sess.IterationCount())
	for i, it := range sess.Iterations {
		fmt.Printf("  %2d. %s  %d prompts\n", i+1, it.Timestamp.Format("15:04:05"), len(it.PromptIDs))
	}
}

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of results")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: promptloom search <query> [--limit N]")
		os.Exit(1)
	}

	s := openStore()
	defer s.Close()

	results, err := s.SearchSessions(strings.Join(fs.Args(), " "), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Println("No matching sessions")
		return
	}
	printSummaries(results)
}

func cmdStats(args []string) {
	s := openStore()
	defer s.Close()

	sessions, err := s.ListSessions(0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var satisfied, iterations int
	modes := make(map[types.OutputMode]int)
	for _, sess := range sessions {
		if sess.Satisfied {
			satisfied++
		}
		iterations += sess.IterationCount
		modes[sess.OutputMode]++
	}

	fmt.Printf("Sessions:        %d\n", len(sessions))
	fmt.Printf("Satisfied:       %d\n", satisfied)
	if len(sessions) > 0 {
		fmt.Printf("Success rate:    %.0f%%\n", float64(satisfied)/float64(len(sessions))*100)
		fmt.Printf("Avg iterations:  %.1f\n", float64(iterations)/float64(len(sessions)))
	}
	for mode, n := range modes {
		fmt.Printf("  %-12s %d\n", mode, n)
	}
}

func cmdPrefs(args []string) {
	s := openStore()
	defer s.Close()

	l := learner.New(s, slog.Default())
	defer l.Close()

	styles := l.StyleRanking()
	if len(styles) == 0 {
		fmt.Println("No style preferences learned yet (need at least 3 ratings per style)")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DIMENSION\tREFERENCE\tPOSITIVE\tSAMPLES\tRATIO")
		for _, r := range styles {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\n",
				r.Dimension, r.Reference, r.Stat.Positive, r.Stat.Samples(), r.Ratio)
		}
		w.Flush()
	}

	combos := l.ComboRanking()
	if len(combos) > 0 {
		fmt.Println("\nDimension combinations:")
		for _, c := range combos {
			fmt.Printf("  %-40s %d sessions\n", c.Signature, c.Count)
		}
	}

	stats := l.ModeStats()
	if len(stats) > 0 {
		fmt.Println("\nOutput modes:")
		for mode, st := range stats {
			fmt.Printf("  %-12s %.1f avg iterations (%d samples)\n", mode, st.AvgIterations(), st.SampleCount)
		}
	}
}

func cmdSuggest(args []string) {
	s := openStore()
	defer s.Close()

	l := learner.New(s, slog.Default())
	defer l.Close()

	suggestions := l.Suggestions(nil)
	if len(suggestions) == 0 {
		fmt.Println("No suggestions yet; rate some prompts first")
		return
	}
	for _, sg := range suggestions {
		switch sg.Kind {
		case types.SuggestAddDimension:
			fmt.Printf("add %s %q (confidence %.2f): %s\n", sg.Dimension, sg.Reference, sg.Confidence, sg.Reason)
		case types.SuggestAdjustWeight:
			fmt.Printf("raise %s %q to %.2f (confidence %.2f): %s\n", sg.Dimension, sg.Reference, sg.Weight, sg.Confidence, sg.Reason)
		case types.SuggestOutputMode:
			fmt.Printf("prefer %s output (confidence %.2f): %s\n", sg.OutputMode, sg.Confidence, sg.Reason)
		}
	}
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	output := fs.String("output", "", "Output file (default: stdout)")
	fs.Parse(args)

	s := openStore()
	defer s.Close()

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if err := s.ExportSessions(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		fmt.Printf("Exported to %s\n", *output)
	}
}

func cmdImport(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: promptloom import <file.jsonl>")
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	s := openStore()
	defer s.Close()

	if err := s.ImportSessions(f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Import complete")
}

func cmdPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	before := fs.String("before", "", "Delete sessions started before this date (YYYY-MM-DD)")
	unsatisfied := fs.Bool("unsatisfied", false, "Also require the session to be unsatisfied")
	fs.Parse(args)

	if *before == "" && !*unsatisfied {
		fmt.Fprintln(os.Stderr, "Refusing to prune everything; pass --before and/or --unsatisfied")
		os.Exit(1)
	}

	var cutoff time.Time
	if *before != "" {
		var err error
		cutoff, err = time.Parse("2006-01-02", *before)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error: --before must be YYYY-MM-DD")
			os.Exit(1)
		}
	}

	s := openStore()
	defer s.Close()

	sessions, err := s.ListSessions(0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	deleted := 0
	for _, sess := range sessions {
		if !cutoff.IsZero() && !sess.StartedAt.Before(cutoff) {
			continue
		}
		if *unsatisfied && sess.Satisfied {
			continue
		}
		if err := s.DeleteSession(sess.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting %s: %v\n", shortID(sess.ID), err)
			continue
		}
		deleted++
	}
	fmt.Printf("Deleted %d sessions\n", deleted)
}

// findSession resolves a full or partial session ID.
func findSession(s *store.BoltStore, id string) (*types.GenerationSession, error) {
	sess, err := s.GetSession(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}

	summaries, err := s.ListSessions(0, 0)
	if err != nil {
		return nil, err
	}
	var match string
	for _, sum := range summaries {
		if strings.HasPrefix(sum.ID, id) {
			if match != "" {
				return nil, fmt.Errorf("session ID %q is ambiguous", id)
			}
			match = sum.ID
		}
	}
	if match == "" {
		return nil, fmt.Errorf("no session matching %q", id)
	}
	return s.GetSession(match)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
