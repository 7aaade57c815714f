package mq

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeMessage(t *testing.T) {
	runID := uuid.New()
	body, err := json.Marshal(NewMessage(MessageTypeRunPending, RunPendingPayload{RunID: runID, TriggeredBy: "cron"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msg, err := DecodeMessage(body, MessageTypeRunPending)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, err := ParsePayload[RunPendingPayload](msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.RunID != runID || payload.TriggeredBy != "cron" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestDecodeMessage_WrongType(t *testing.T) {
	body, _ := json.Marshal(NewMessage(MessageTypeRunFinished, RunFinishedPayload{Status: "completed"}))

	_, err := DecodeMessage(body, MessageTypeRunPending)
	if !errors.Is(err, ErrUnexpectedType) {
		t.Errorf("expected ErrUnexpectedType, got %v", err)
	}

	if _, err := DecodeMessage(body, ""); err != nil {
		t.Errorf("empty type should accept any message, got %v", err)
	}
}

func TestDecodeMessage_Garbage(t *testing.T) {
	if _, err := DecodeMessage([]byte("{not json"), ""); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestTopology_DeadLetters(t *testing.T) {
	for _, q := range topology() {
		if q.name == QueueDLQRuns {
			if q.args != nil {
				t.Error("dlq queue should not dead-letter itself")
			}
			continue
		}
		if q.args["x-dead-letter-exchange"] != string(ExchangeDLQ) {
			t.Errorf("queue %s should dead-letter to %s", q.name, ExchangeDLQ)
		}
	}
}
