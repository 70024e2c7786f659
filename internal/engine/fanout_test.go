package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFanout_WriteDeliversToSubscriber(t *testing.T) {
	f := NewFanout(1, models.ProfileMP3, 0, testLogger())
	sub, err := f.CreateSubscriber("renderer-1", false, 0)
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}

	f.Write([]byte("hello"))

	select {
	case chunk := <-sub.Chunks():
		if string(chunk) != "hello" {
			t.Errorf("chunk = %q, want %q", chunk, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestFanout_PrimeWithBuffer(t *testing.T) {
	f := NewFanout(1, models.ProfilePCM, 1024, testLogger())
	f.Write([]byte("abc"))

	sub, err := f.CreateSubscriber("late-joiner", true, 0)
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}

	select {
	case chunk := <-sub.Chunks():
		if string(chunk) != "abc" {
			t.Errorf("primer chunk = %q, want %q", chunk, "abc")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for primer chunk")
	}
}

func TestFanout_PrebufferCapsAtLimit(t *testing.T) {
	f := NewFanout(1, models.ProfilePCM, 4, testLogger())
	f.Write([]byte("abcdefgh"))

	sub, err := f.CreateSubscriber("late-joiner", true, 0)
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}
	select {
	case chunk := <-sub.Chunks():
		if string(chunk) != "efgh" {
			t.Errorf("primer chunk = %q, want last 4 bytes %q", chunk, "efgh")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for primer chunk")
	}
}

func TestFanout_EndFlushesAndCloses(t *testing.T) {
	f := NewFanout(1, models.ProfileMP3, 0, testLogger())
	sub, _ := f.CreateSubscriber("r1", false, 0)

	f.End(nil)

	select {
	case <-sub.Closed():
		if sub.Err() != nil {
			t.Errorf("Err() = %v, want nil on clean end", sub.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber close")
	}
}

func TestFanout_EndWithErrorDestroysSubscriber(t *testing.T) {
	f := NewFanout(1, models.ProfileMP3, 0, testLogger())
	sub, _ := f.CreateSubscriber("r1", false, 0)

	boom := errOops
	f.End(boom)

	select {
	case <-sub.Closed():
		if sub.Err() != boom {
			t.Errorf("Err() = %v, want %v", sub.Err(), boom)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber close")
	}
}

func TestFanout_DropsWhenSubscriberQueueFull(t *testing.T) {
	f := NewFanout(1, models.ProfileMP3, 0, testLogger())
	sub, err := f.CreateSubscriber("slow", false, 16)
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		f.Write([]byte("0123456789"))
	}

	if sub.DropCount() == 0 {
		t.Error("expected at least one drop once the subscriber's byte budget is exceeded")
	}
}

func TestFanout_MigrateToPreservesSubscriber(t *testing.T) {
	src := NewFanout(1, models.ProfileMP3, 0, testLogger())
	dst := NewFanout(1, models.ProfileMP3, 0, testLogger())

	sub, err := src.CreateSubscriber("r1", false, 0)
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}

	src.MigrateTo(dst)

	if src.SubscriberCount() != 0 {
		t.Errorf("source fanout should have 0 subscribers after migrate, got %d", src.SubscriberCount())
	}
	if dst.SubscriberCount() != 1 {
		t.Errorf("dest fanout should have 1 subscriber after migrate, got %d", dst.SubscriberCount())
	}

	dst.Write([]byte("migrated"))
	select {
	case chunk := <-sub.Chunks():
		if string(chunk) != "migrated" {
			t.Errorf("chunk = %q, want %q", chunk, "migrated")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk on migrated subscriber")
	}
}

var errOops = &testError{"oops"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
