package copier

import (
	"bytes"
	"testing"
)

func TestChunkWriterCounts(t *testing.T) {
	var buf bytes.Buffer
	var taskRows, workerRows int64
	cw := &chunkWriter{w: &buf, taskRows: &taskRows, workerRows: &workerRows}

	chunks := [][]byte{
		[]byte("1\talice\n"),
		[]byte("2\tbob\n"),
		[]byte("3\tcarol\n"),
	}
	for _, c := range chunks {
		n, err := cw.Write(c)
		if err != nil || n != len(c) {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}

	if taskRows != 3 || workerRows != 3 {
		t.Errorf("counters = task %d worker %d, want 3/3", taskRows, workerRows)
	}
	if buf.Len() != len("1\talice\n2\tbob\n3\tcarol\n") {
		t.Errorf("relayed %d bytes", buf.Len())
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errWrite }

var errWrite = &writeError{}

type writeError struct{}

func (*writeError) Error() string { return "write failed" }

func TestChunkWriterDoesNotCountFailures(t *testing.T) {
	var taskRows, workerRows int64
	cw := &chunkWriter{w: failWriter{}, taskRows: &taskRows, workerRows: &workerRows}
	if _, err := cw.Write([]byte("x")); err == nil {
		t.Fatal("expected write error")
	}
	if taskRows != 0 || workerRows != 0 {
		t.Errorf("counters advanced on failed write: %d/%d", taskRows, workerRows)
	}
}
