// Command research runs research queries from the command line and prints or exports
// the reports.
//
//	research -depth quick "what is the capital of australia"
//	research -batch queries.txt -out reports/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/app"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

func main() {
	configPath := flag.String("config", config.PathFromEnv(), "path to research.yaml")
	depth := flag.String("depth", "comprehensive", "quick or comprehensive")
	toolList := flag.String("tools", "", "comma-separated tool allow-list (default: all)")
	batchPath := flag.String("batch", "", "file with one query per line, researched in parallel")
	outDir := flag.String("out", "", "export <run>_report.md and <run>_full.json into this directory")
	format := flag.String("format", "markdown", "stdout format when not exporting: markdown, json or summary")
	interactive := flag.Bool("interactive", false, "answer clarification questions on stdin")
	verbose := flag.Bool("v", false, "print progress events to stderr")
	flag.Parse()

	queries, err := collectQueries(flag.Args(), *batchPath, *depth, *toolList)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: research [flags] <query> | research [flags] -batch queries.txt")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !*verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "console"
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if *interactive {
		opts = append(opts, app.WithClarifier(stdinClarifier(os.Stdin, os.Stderr)))
	}
	engine, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to assemble research engine", zap.Error(err))
	}
	defer func() { _ = engine.Close() }()

	var results []orchestrator.Result
	if len(queries) == 1 {
		runID := orchestrator.NewRunID()
		finish := func() {}
		if *verbose {
			finish = followRun(engine.Streams, runID, os.Stderr)
		}
		res, _ := engine.Orchestrator.Run(ctx, runID, queries[0])
		finish()
		results = []orchestrator.Result{res}
	} else {
		results = engine.Orchestrator.ResearchParallel(ctx, queries)
	}

	exit := 0
	for _, res := range results {
		if res.Err != nil {
			exit = 1
			fmt.Fprintf(os.Stderr, "run %s failed: %v\n", res.Report.RunID, res.Err)
		}
		if err := emit(res, *outDir, *format, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			exit = 1
		}
	}
	if exit != 0 {
		_ = engine.Close()
		os.Exit(exit)
	}
}

func collectQueries(args []string, batchPath, depth, toolList string) ([]models.Query, error) {
	d, ok := models.ParseDepth(depth)
	if !ok {
		return nil, fmt.Errorf("unknown depth %q, want quick or comprehensive", depth)
	}
	var allow []string
	for _, t := range strings.Split(toolList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			allow = append(allow, t)
		}
	}

	var texts []string
	if batchPath != "" {
		data, err := os.ReadFile(batchPath)
		if err != nil {
			return nil, fmt.Errorf("read batch file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				texts = append(texts, line)
			}
		}
	} else if len(args) > 0 {
		texts = []string{strings.Join(args, " ")}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no query given")
	}

	queries := make([]models.Query, 0, len(texts))
	for _, text := range texts {
		q := models.Query{Text: text, Depth: d, Tools: allow}
		if err := q.Validate(); err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, nil
}

func emit(res orchestrator.Result, outDir, format string, w io.Writer) error {
	if outDir != "" {
		md, js, err := formatting.Export(outDir, res.Report.RunID, res.Report)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n  %s\n  %s\n", orchestrator.Summary(res), md, js)
		return nil
	}
	if format == "summary" {
		_, err := fmt.Fprintln(w, orchestrator.Summary(res))
		return err
	}
	body, err := formatting.Render(res.Report, formatting.Format(format))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(body))
	return err
}

// followRun prints the run's events as they arrive. The returned func stops following
// once the run returned and waits for the buffered events to be printed.
func followRun(m *streaming.Manager, runID string, w io.Writer) func() {
	ch := m.Subscribe(runID, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			fmt.Fprintf(w, "[%s] %-12s %-9s %s\n", evt.Timestamp.Format("15:04:05"), evt.Agent, evt.Status, evt.Message)
		}
	}()
	return func() {
		m.Unsubscribe(runID, ch)
		<-done
	}
}

// stdinClarifier asks one question at a time; subtasks researched in parallel wait their turn.
func stdinClarifier(in io.Reader, out io.Writer) func(context.Context, models.Subtask, string) (string, error) {
	var mu sync.Mutex
	scanner := bufio.NewScanner(in)
	return func(ctx context.Context, st models.Subtask, question string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprintf(out, "\nSubtask %d: %s\n? %s\n> ", st.ID, st.Description, question)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(scanner.Text()), nil
	}
}
