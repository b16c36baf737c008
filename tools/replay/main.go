package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/db"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

type backlog interface {
	ReadSince(ctx context.Context, runID string, since uint64) ([]streaming.Event, error)
}

func main() {
	runID := flag.String("run", "", "run id to replay")
	driver := flag.String("driver", "", "storage driver (postgres, sqlite3, mysql) holding the event log")
	dsn := flag.String("dsn", "", "storage DSN")
	redisAddr := flag.String("redis", "", "Redis address holding the event stream mirror")
	flag.Parse()

	if *runID == "" || (*dsn == "") == (*redisAddr == "") {
		fmt.Fprintln(os.Stderr, "usage: replay -run <id> (-driver <d> -dsn <dsn> | -redis <addr>)")
		os.Exit(2)
	}

	var src backlog
	if *dsn != "" {
		client, err := db.Open(db.Config{Driver: *driver, DSN: *dsn}, zap.NewNop())
		if err != nil {
			log.Fatalf("Open storage: %v", err)
		}
		defer client.Close()
		src = client.Events()
	} else {
		cli := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer cli.Close()
		src = streaming.NewRedisSink(cli, 0, 0, zap.NewNop())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := replay(ctx, src, *runID, os.Stdout); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
}

// replay prints the recorded timeline of runID and fails when the log has gaps or
// never reached a terminal event.
func replay(ctx context.Context, src backlog, runID string, w io.Writer) error {
	events, err := src.ReadSince(ctx, runID, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for run %s", runID)
	}

	start := events[0].Timestamp
	var prev uint64
	for _, e := range events {
		if e.Seq != prev+1 {
			return fmt.Errorf("event log of run %s has a gap after seq %d (next is %d)", runID, prev, e.Seq)
		}
		prev = e.Seq
		fmt.Fprintf(w, "%4d %9s %-12s %-9s %s\n", e.Seq, e.Timestamp.Sub(start).Round(time.Millisecond), e.Agent, e.Status, e.Message)
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		return fmt.Errorf("run %s has no terminal event, last seq %d", runID, last.Seq)
	}
	fmt.Fprintf(w, "run %s %s after %d events in %s\n", runID, last.Status, len(events), last.Timestamp.Sub(start).Round(time.Millisecond))
	return nil
}
