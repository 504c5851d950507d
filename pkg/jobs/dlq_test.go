package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

func newTestDeadLetterQueue(t *testing.T, backend Backend) *DeadLetterQueue {
	t.Helper()
	queue, err := NewQueue(backend, logger.Nop(), QueueConfig{Name: "shared.dlq", Defaults: JobOptions{RemoveOnComplete: &KeepAll}})
	if err != nil {
		t.Fatalf("new dlq queue: %v", err)
	}
	dlq, err := NewDeadLetterQueue(queue, logger.Nop())
	if err != nil {
		t.Fatalf("new dead-letter queue: %v", err)
	}
	return dlq
}

func TestDeadLetterQueue_EscalateAndResubmit(t *testing.T) {
	shared, backend := newTestQueue(t, "shared", JobOptions{Attempts: 3})
	dlq := newTestDeadLetterQueue(t, backend)
	ctx := context.Background()

	original := &Job{
		ID:           "job-1",
		Name:         "mail.send",
		Queue:        "shared",
		Payload:      json.RawMessage(`{"to":"a@x","sub":"hi","body":"yo"}`),
		AttemptsMade: 1,
		MaxAttempts:  3,
	}
	recordID, err := dlq.Escalate(ctx, original, errors.New("boom"))
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	record, err := dlq.Queue().Get(ctx, recordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Name != "mail.send" || record.MaxAttempts != 1 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Data[DataFailedReason] != "boom" || record.Data[DataOriginalQueue] != "shared" || record.Data[DataOriginalAttemptsMade] != "2" {
		t.Fatalf("unexpected record data: %v", record.Data)
	}

	newID, err := dlq.Resubmit(ctx, recordID, shared)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	resubmitted, err := shared.Get(ctx, newID)
	if err != nil {
		t.Fatalf("get resubmitted: %v", err)
	}
	if string(resubmitted.Payload) != string(original.Payload) {
		t.Fatalf("expected original payload, got %s", resubmitted.Payload)
	}
	if resubmitted.MaxAttempts != 3 || resubmitted.Data[DataResubmittedFrom] != recordID {
		t.Fatalf("unexpected resubmitted job: %+v", resubmitted)
	}
	if _, err := dlq.Queue().Get(ctx, recordID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record removed after resubmit, got %v", err)
	}
}

func TestDeadLetterQueue_ResubmitUnknownRecord(t *testing.T) {
	shared, backend := newTestQueue(t, "shared", JobOptions{})
	dlq := newTestDeadLetterQueue(t, backend)

	if _, err := dlq.Resubmit(context.Background(), "missing", shared); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := dlq.Resubmit(context.Background(), "missing", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDeadLetterPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    map[string]any
	}{
		{
			name:    "object gains failedReason",
			payload: `{"to":"a@x"}`,
			want:    map[string]any{"to": "a@x", "failedReason": "boom"},
		},
		{
			name:    "scalar is wrapped",
			payload: `42`,
			want:    map[string]any{"payload": float64(42), "failedReason": "boom"},
		},
		{
			name:    "array is wrapped",
			payload: `[1]`,
			want:    map[string]any{"payload": []any{float64(1)}, "failedReason": "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := deadLetterPayload(json.RawMessage(tt.payload), "boom")
			if err != nil {
				t.Fatalf("deadLetterPayload: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("expected %s, got %s", wantJSON, gotJSON)
			}
		})
	}
}

func TestInspectDeadLetter_OnlyObserves(t *testing.T) {
	handler := InspectDeadLetter(logger.Nop())
	job := &Job{ID: "r1", Name: "mail.send", Payload: json.RawMessage(`{"failedReason":"boom"}`)}
	if err := handler(context.Background(), job); err != nil {
		t.Fatalf("expected inspection to succeed, got %v", err)
	}
}

func TestProperty_OriginalPayloadSurvivesDeadLettering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stripping failedReason restores the original object", prop.ForAll(
		func(fields map[string]string, reason string) bool {
			delete(fields, FailedReasonField)
			delete(fields, "payload")
			original, err := json.Marshal(fields)
			if err != nil {
				return false
			}
			recordPayload, err := deadLetterPayload(original, reason)
			if err != nil {
				return false
			}
			restored, err := originalPayload(&Job{ID: "r", Payload: recordPayload})
			if err != nil {
				return false
			}
			var got map[string]string
			if err := json.Unmarshal(restored, &got); err != nil {
				return false
			}
			if len(got) != len(fields) {
				return false
			}
			for key, value := range fields {
				if got[key] != value {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
