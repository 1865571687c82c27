package queue

import (
	"errors"
	"testing"
)

func TestFilterMapDefaultsAndUnknown(t *testing.T) {
	fm := NewFilterMap([]string{"echo", "simple_rpc_test"})

	if a := fm.Lookup("echo"); a != ActionProcess {
		t.Fatalf("default action = %v, want ActionProcess", a)
	}
	if a := fm.Lookup("nope"); a != ActionError {
		t.Fatalf("unknown method action = %v, want ActionError", a)
	}
}

func TestFilterMapSetAndSetAll(t *testing.T) {
	fm := NewFilterMap([]string{"echo", "simple_rpc_test"})

	fm.Set("echo", ActionQueue)
	if a := fm.Lookup("echo"); a != ActionQueue {
		t.Fatalf("echo action = %v, want ActionQueue", a)
	}
	if a := fm.Lookup("simple_rpc_test"); a != ActionProcess {
		t.Fatalf("simple_rpc_test action = %v, want unaffected ActionProcess", a)
	}

	fm.SetAll(ActionDrop)
	if a := fm.Lookup("echo"); a != ActionDrop {
		t.Fatalf("echo action after SetAll = %v, want ActionDrop", a)
	}
	if a := fm.Lookup("simple_rpc_test"); a != ActionDrop {
		t.Fatalf("simple_rpc_test action after SetAll = %v, want ActionDrop", a)
	}
}

func TestSendQueueDrainSuccess(t *testing.T) {
	q := NewSendQueue()
	q.Push(SendEntry{Method: "echo", Frame: []byte("frame-1")})
	q.Push(SendEntry{Method: "echo", Frame: []byte("frame-2")})

	var sent [][]byte
	err := q.Drain(func(frame []byte) error {
		sent = append(sent, frame)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if q.Len() != 0 {
		t.Fatalf("queue len = %d, want 0 after successful drain", q.Len())
	}
}

func TestSendQueueDrainPurgesAfterExhaustedRetries(t *testing.T) {
	q := NewSendQueue()
	q.Push(SendEntry{Method: "echo", Frame: []byte("stuck")})
	q.Push(SendEntry{Method: "echo", Frame: []byte("behind-it")})

	wantErr := errors.New("peer gone")
	attempts := 0
	err := q.Drain(func(frame []byte) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Drain err = %v, want %v", err, wantErr)
	}
	if attempts != DrainRetries {
		t.Fatalf("attempts = %d, want %d", attempts, DrainRetries)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be purged, len = %d", q.Len())
	}
}

func TestRecvQueueProcessSomeSuppressesReply(t *testing.T) {
	q := NewRecvQueue()
	q.Push(RecvEntry{MethodIndex: 0, Method: "echo", Body: []byte("a")})
	q.Push(RecvEntry{MethodIndex: 0, Method: "echo", Body: []byte("b")})
	q.Push(RecvEntry{MethodIndex: 0, Method: "echo", Body: []byte("c")})

	var reasons []Reason
	n := q.ProcessSome(2, func(e RecvEntry, reason Reason) {
		reasons = append(reasons, reason)
	})

	if n != 2 {
		t.Fatalf("processed %d, want 2", n)
	}
	for _, r := range reasons {
		if r != ReasonInvokingFromQueue {
			t.Fatalf("reason = %v, want ReasonInvokingFromQueue", r)
		}
	}
	if q.Len() != 1 {
		t.Fatalf("remaining queue len = %d, want 1", q.Len())
	}
}

func TestRecvQueueProcessAllDrainsEverything(t *testing.T) {
	q := NewRecvQueue()
	for i := 0; i < 5; i++ {
		q.Push(RecvEntry{MethodIndex: 0, Method: "echo"})
	}

	n := q.ProcessAll(func(e RecvEntry, reason Reason) {})
	if n != 5 {
		t.Fatalf("processed %d, want 5", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue len = %d, want 0", q.Len())
	}
}
