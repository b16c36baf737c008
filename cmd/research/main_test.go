package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

func TestCollectQueriesFromArgs(t *testing.T) {
	qs, err := collectQueries([]string{"why", "is", "the", "sky", "blue"}, "", "quick", "web_search, calculator")
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "why is the sky blue", qs[0].Text)
	assert.Equal(t, models.DepthQuick, qs[0].Depth)
	assert.Equal(t, []string{"web_search", "calculator"}, qs[0].Tools)
}

func TestCollectQueriesFromBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.txt")
	require.NoError(t, os.WriteFile(path, []byte("# reading list\nfirst question\n\n  second question  \n"), 0o644))

	qs, err := collectQueries(nil, path, "", "")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "second question", qs[1].Text)
	assert.Equal(t, models.DepthComprehensive, qs[0].Depth)
}

func TestCollectQueriesRejectsBadInput(t *testing.T) {
	_, err := collectQueries(nil, "", "quick", "")
	assert.Error(t, err)
	_, err = collectQueries([]string{"x"}, "", "exhaustive", "")
	assert.Error(t, err)
}

func TestEmitFormats(t *testing.T) {
	res := orchestrator.Result{Report: models.Report{
		RunID: "run-1", Query: "q", State: models.StateDone, Title: "Findings on q", Summary: "short answer",
	}}

	var buf bytes.Buffer
	require.NoError(t, emit(res, "", "markdown", &buf))
	assert.Contains(t, buf.String(), "Findings on q")

	buf.Reset()
	require.NoError(t, emit(res, "", "json", &buf))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))

	assert.Error(t, emit(res, "", "pdf", &buf))

	dir := t.TempDir()
	buf.Reset()
	require.NoError(t, emit(res, dir, "", &buf))
	assert.FileExists(t, filepath.Join(dir, "run-1_report.md"))
	assert.FileExists(t, filepath.Join(dir, "run-1_full.json"))
}

func TestStdinClarifier(t *testing.T) {
	var out bytes.Buffer
	ask := stdinClarifier(strings.NewReader("only peer-reviewed sources\n"), &out)
	st := models.Subtask{ID: 2, Description: "collect studies"}

	answer, err := ask(context.Background(), st, "Which sources count?")
	require.NoError(t, err)
	assert.Equal(t, "only peer-reviewed sources", answer)
	assert.Contains(t, out.String(), "Which sources count?")

	_, err = ask(context.Background(), st, "Anything else?")
	assert.ErrorIs(t, err, io.EOF)
}

func TestFollowRunPrintsEvents(t *testing.T) {
	m := streaming.NewManager(16, zaptest.NewLogger(t))
	var out bytes.Buffer
	finish := followRun(m, "run-1", &out)
	m.Publish("run-1", streaming.Event{Agent: "planner", Status: streaming.StatusStarted, Message: "decomposing"})
	m.Publish("run-1", streaming.Event{Agent: streaming.AgentOrchestrator, Status: streaming.StatusCompleted})
	finish()

	assert.Contains(t, out.String(), "decomposing")
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}
