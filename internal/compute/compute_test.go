package compute

import (
	"encoding/json"
	"testing"

	"github.com/quantarax/summit/daemon/sendworker"
)

type recordingSender struct {
	sent []recordedSend
}

type recordedSend struct {
	target   sendworker.SendTarget
	schemaID [32]byte
	typeTag  uint16
	payload  []byte
}

func (r *recordingSender) Send(target sendworker.SendTarget, schemaID [32]byte, typeTag uint16, payload []byte, flags uint8) error {
	r.sent = append(r.sent, recordedSend{target, schemaID, typeTag, payload})
	return nil
}

func TestOnChunkRunsDirectExecAndSendsResult(t *testing.T) {
	rec := &recordingSender{}
	svc := NewService(rec, t.TempDir(), 1)

	sub := taskSubmit{TaskID: "t1", Cmd: "echo", Args: []string{"hi"}}
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var peer, sessionID [32]byte
	sessionID[0] = 0x05
	svc.OnChunk(peer, sessionID, data)
	svc.Close()

	if len(rec.sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(rec.sent))
	}
	if rec.sent[0].target.Kind != sendworker.TargetSession || rec.sent[0].target.SessionID != sessionID {
		t.Errorf("send target = %+v, want session %x", rec.sent[0].target, sessionID)
	}

	var result taskResult
	if err := json.Unmarshal(rec.sent[0].payload, &result); err != nil {
		t.Fatalf("Unmarshal(result) failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.TaskID != "t1" {
		t.Errorf("task id = %s, want t1", result.TaskID)
	}
}

func TestOnChunkRejectsInvalidPayloadSilently(t *testing.T) {
	rec := &recordingSender{}
	svc := NewService(rec, t.TempDir(), 1)

	var peer, sessionID [32]byte
	svc.OnChunk(peer, sessionID, []byte("not json"))
	svc.Close()

	if len(rec.sent) != 0 {
		t.Errorf("got %d sends for invalid payload, want 0", len(rec.sent))
	}
}

func TestFailedCommandReportsFailedStatus(t *testing.T) {
	rec := &recordingSender{}
	svc := NewService(rec, t.TempDir(), 1)

	sub := taskSubmit{TaskID: "t2", Cmd: "false"}
	data, _ := json.Marshal(sub)

	var peer, sessionID [32]byte
	svc.OnChunk(peer, sessionID, data)
	svc.Close()

	if len(rec.sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(rec.sent))
	}
	var result taskResult
	if err := json.Unmarshal(rec.sent[0].payload, &result); err != nil {
		t.Fatalf("Unmarshal(result) failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
}
