package pipeline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/config"
	"github.com/rdsync/rdsync/internal/copier"
	"github.com/rdsync/rdsync/internal/task"
)

func testPipeline() *Pipeline {
	return New(&config.Config{}, zerolog.Nop())
}

func TestReportAllOK(t *testing.T) {
	p := testPipeline()
	defer p.Close()
	var buf bytes.Buffer
	p.Status = &buf

	tasks := []*task.Task{
		{ID: 0, Rel: "t1", Rows: 2, Complete: true},
		{ID: 1, Rel: "t2", Rows: 3, Complete: true},
	}
	p.initTableMetrics(tasks)
	results := []copier.WorkerResult{
		{ID: 0, Rows: 2, AllOK: true},
		{ID: 1, Rows: 3, AllOK: true},
	}
	p.report(results, tasks, 1500*time.Millisecond)

	out := buf.String()
	if !strings.Contains(out, "job migrate row 5 task row 5") {
		t.Errorf("missing summary line, got:\n%s", out)
	}
	if strings.Contains(out, "with errors") {
		t.Errorf("unexpected error line:\n%s", out)
	}
	if p.Errored() {
		t.Error("Errored() = true for clean run")
	}
}

func TestReportWithErrors(t *testing.T) {
	p := testPipeline()
	defer p.Close()
	var buf bytes.Buffer
	p.Status = &buf

	tasks := []*task.Task{
		{ID: 0, Rel: "good", Rows: 4, Complete: true},
		{ID: 1, Rel: "bad", Rows: 1}, // incomplete
	}
	p.initTableMetrics(tasks)
	results := []copier.WorkerResult{
		{ID: 0, Rows: 4, AllOK: true},
		{ID: 1, Rows: 1, AllOK: false}, // failed worker rows excluded
	}
	p.report(results, tasks, time.Second)

	out := buf.String()
	if !strings.Contains(out, "job migrate row 4 task row 5") {
		t.Errorf("summary line wrong:\n%s", out)
	}
	if !strings.Contains(out, "migration process with errors") {
		t.Errorf("missing error line:\n%s", out)
	}
	if !p.Errored() {
		t.Error("Errored() = false after failed worker")
	}
}

func TestSleepHonorsAbort(t *testing.T) {
	p := testPipeline()
	defer p.Close()

	p.Abort()
	if p.sleep(t.Context(), time.Millisecond) {
		t.Error("sleep should report stop after abort")
	}
}
