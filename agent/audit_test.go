package agent

import (
	"errors"
	"strings"
	"testing"
)

type fakeRecorder struct {
	records []string
	levels  []string
}

func (f *fakeRecorder) AppendDaemonLog(level, component, message string) error {
	f.levels = append(f.levels, level)
	f.records = append(f.records, message)
	return nil
}

func TestStoreAuditLoggerTruncatesLongContent(t *testing.T) {
	rec := &fakeRecorder{}
	logger := NewStoreAuditLogger(rec)

	long := strings.Repeat("x", maxAuditChars+100)
	logger.LogPromptSent("t-1", "s-1", long)

	if len(rec.records) != 1 {
		t.Fatalf("records = %d, want 1", len(rec.records))
	}
	got := rec.records[0]
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("content not truncated: suffix = %q", got[len(got)-20:])
	}
	if len(got) > maxAuditChars+len("...[truncated]")+len("ticket=t-1 session=s-1 prompt sent: ") {
		t.Fatalf("content length %d exceeds cap", len(got))
	}
}

func TestStoreAuditLoggerRecordsError(t *testing.T) {
	rec := &fakeRecorder{}
	logger := NewStoreAuditLogger(rec)

	logger.LogError("t-1", "s-1", errors.New("boom"))

	if len(rec.records) != 1 || rec.levels[0] != "error" {
		t.Fatalf("unexpected records: %+v levels: %+v", rec.records, rec.levels)
	}
	if !strings.Contains(rec.records[0], "boom") {
		t.Fatalf("content = %q, want to contain boom", rec.records[0])
	}
}

func TestNoOpAuditLoggerDoesNothing(t *testing.T) {
	var logger AuditLogger = NoOpAuditLogger{}
	logger.LogPromptSent("t", "s", "prompt")
	logger.LogResponseReceived("t", "s", "response")
	logger.LogError("t", "s", errors.New("x"))
}
