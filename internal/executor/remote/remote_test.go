package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/mq"
)

type call struct {
	kind     string
	jobID    uuid.UUID
	status   domain.JobStatus
	progress int
}

type fakeReporter struct {
	calls []call
}

func (r *fakeReporter) ReportStarted(_ context.Context, jobID uuid.UUID) error {
	r.calls = append(r.calls, call{kind: "started", jobID: jobID})
	return nil
}

func (r *fakeReporter) ReportProgress(_ context.Context, jobID uuid.UUID, progress int, _ string) error {
	r.calls = append(r.calls, call{kind: "progress", jobID: jobID, progress: progress})
	return nil
}

func (r *fakeReporter) ReportCompleted(_ context.Context, jobID uuid.UUID, status domain.JobStatus, _ string) error {
	r.calls = append(r.calls, call{kind: "completed", jobID: jobID, status: status})
	return nil
}

func statusMessage(typ mq.MessageType, jobID uuid.UUID, queue, status string) *mq.Message {
	// Payload в виде map, как после json.Unmarshal конверта
	return &mq.Message{
		ID:   uuid.New().String(),
		Type: typ,
		Payload: map[string]any{
			"job_id":   jobID.String(),
			"queue":    queue,
			"host_id":  "h1",
			"status":   status,
			"progress": 40,
		},
	}
}

func TestHandleStatus_ForwardsToReporter(t *testing.T) {
	e := New(Config{})
	rep := &fakeReporter{}
	e.Bind("reports", rep)
	jobID := uuid.New()
	ctx := context.Background()

	for _, msg := range []*mq.Message{
		statusMessage(mq.MessageTypeJobStarted, jobID, "reports", ""),
		statusMessage(mq.MessageTypeJobProgress, jobID, "reports", ""),
		statusMessage(mq.MessageTypeJobCompleted, jobID, "reports", "CANCELLED"),
	} {
		if err := e.HandleStatus(ctx, msg); err != nil {
			t.Fatalf("HandleStatus(%s): %v", msg.Type, err)
		}
	}

	if len(rep.calls) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(rep.calls))
	}
	if rep.calls[1].progress != 40 {
		t.Errorf("expected progress 40, got %d", rep.calls[1].progress)
	}
	if rep.calls[2].status != domain.JobStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", rep.calls[2].status)
	}
}

func TestHandleStatus_NonTerminalCompletionBecomesError(t *testing.T) {
	e := New(Config{})
	rep := &fakeReporter{}
	e.Bind("reports", rep)

	err := e.HandleStatus(context.Background(), statusMessage(mq.MessageTypeJobCompleted, uuid.New(), "reports", "IN_PROGRESS"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.calls[0].status != domain.JobStatusError {
		t.Errorf("expected ERROR, got %s", rep.calls[0].status)
	}
}

func TestHandleStatus_UnknownQueue(t *testing.T) {
	e := New(Config{})
	err := e.HandleStatus(context.Background(), statusMessage(mq.MessageTypeJobStarted, uuid.New(), "other", ""))
	if !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("expected ErrUnknownQueue, got %v", err)
	}
}

func TestIsAlive_HeartbeatTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := New(Config{HeartbeatTTL: time.Minute})
	e.now = func() time.Time { return now }
	e.Bind("reports", &fakeReporter{})

	job := &domain.Job{ID: uuid.New(), Queue: "reports"}
	ctx := context.Background()

	if alive, _ := e.IsAlive(ctx, job); alive {
		t.Error("job without reports must not be alive")
	}

	if err := e.HandleStatus(ctx, statusMessage(mq.MessageTypeJobHeartbeat, job.ID, "reports", "")); err != nil {
		t.Fatal(err)
	}
	if alive, _ := e.IsAlive(ctx, job); !alive {
		t.Error("job with fresh heartbeat must be alive")
	}

	now = now.Add(2 * time.Minute)
	if alive, _ := e.IsAlive(ctx, job); alive {
		t.Error("job with stale heartbeat must not be alive")
	}
}

func TestIsAlive_ForgottenOnCompletion(t *testing.T) {
	e := New(Config{})
	e.Bind("reports", &fakeReporter{})
	job := &domain.Job{ID: uuid.New(), Queue: "reports"}
	ctx := context.Background()

	e.HandleStatus(ctx, statusMessage(mq.MessageTypeJobStarted, job.ID, "reports", ""))
	e.HandleStatus(ctx, statusMessage(mq.MessageTypeJobCompleted, job.ID, "reports", "COMPLETED"))

	if alive, _ := e.IsAlive(ctx, job); alive {
		t.Error("completed job must not be alive")
	}
}
