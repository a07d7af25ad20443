//go:build linux

package reactor

import (
	"os"
	"testing"
)

func TestReactorReportsReadable(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	rf, wf, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer rf.Close()
	defer wf.Close()

	if err := r.Register(int(rf.Fd()), Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := wf.Write([]byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events, err := r.Wait(1000)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Fd != int(rf.Fd()) || !events[0].Readable {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestReactorReregisterNarrowsInterest(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	rf, wf, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer rf.Close()
	defer wf.Close()

	fd := int(rf.Fd())
	if err := r.Register(fd, Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Reregister(fd, None); err != nil {
		t.Fatalf("Reregister failed: %v", err)
	}

	if _, err := wf.Write([]byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events, err := r.Wait(100)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after narrowing interest to None, got %+v", events)
	}
}
