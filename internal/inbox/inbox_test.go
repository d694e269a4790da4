package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/testutil"
)

func TestSend_Success(t *testing.T) {
	ib := New[string](10, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	for i := 0; i < 5; i++ {
		if !ib.Send("job") {
			t.Errorf("expected send %d to succeed", i)
		}
	}

	stats := ib.Stats()
	if stats.TotalSent != 5 {
		t.Errorf("TotalSent = %d, want 5", stats.TotalSent)
	}
	if stats.TimeoutCount != 0 {
		t.Errorf("TimeoutCount = %d, want 0", stats.TimeoutCount)
	}
	if stats.Capacity != 10 {
		t.Errorf("Capacity = %d, want 10", stats.Capacity)
	}
}

func TestSend_Timeout(t *testing.T) {
	logger := testutil.NewTestLogger()
	ib := New[int](2, 10*time.Millisecond, logger.Logger())

	// Fill buffer
	for i := 0; i < 2; i++ {
		if !ib.Send(i) {
			t.Errorf("expected send %d to succeed", i)
		}
	}

	// Third send should timeout
	if ib.Send(3) {
		t.Error("expected third send to timeout")
	}

	if got := ib.Stats().TimeoutCount; got != 1 {
		t.Errorf("TimeoutCount = %d, want 1", got)
	}
	if !logger.HasWarning() {
		t.Error("expected a warning for the timed out send")
	}
}

func TestTryReceive(t *testing.T) {
	ib := New[int](10, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	if _, ok := ib.TryReceive(); ok {
		t.Error("expected TryReceive to return false for empty inbox")
	}

	for i := 0; i < 3; i++ {
		ib.Send(i)
	}

	// FIFO order
	for i := 0; i < 3; i++ {
		msg, ok := ib.TryReceive()
		if !ok {
			t.Fatalf("expected TryReceive %d to succeed", i)
		}
		if msg != i {
			t.Errorf("got %d, want %d", msg, i)
		}
	}

	if got := ib.Stats().TotalReceived; got != 3 {
		t.Errorf("TotalReceived = %d, want 3", got)
	}
}

func TestReceive_Blocking(t *testing.T) {
	ib := New[string](10, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	received := make(chan string, 1)
	go func() {
		msg, ok := ib.Receive(context.Background())
		if ok {
			received <- msg
		}
	}()

	time.Sleep(50 * time.Millisecond)
	ib.Send("job-1")

	select {
	case msg := <-received:
		if msg != "job-1" {
			t.Errorf("got %q, want job-1", msg)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for receive")
	}
}

func TestReceive_ContextCancelled(t *testing.T) {
	ib := New[string](1, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := ib.Receive(ctx)
		done <- ok
	}()

	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected Receive to report no message")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestClose_DrainsThenStops(t *testing.T) {
	ib := New[int](10, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	ib.Send(1)
	ib.Send(2)
	ib.Close()
	ib.Close()

	if ib.Send(3) {
		t.Error("Send after Close must fail")
	}

	for want := 1; want <= 2; want++ {
		got, ok := ib.Receive(context.Background())
		if !ok || got != want {
			t.Errorf("Receive = (%d, %v), want (%d, true)", got, ok, want)
		}
	}

	if _, ok := ib.Receive(context.Background()); ok {
		t.Error("Receive on a closed, drained inbox must return false")
	}
}

func TestDepthStats(t *testing.T) {
	ib := New[int](10, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	for i := 0; i < 8; i++ {
		ib.Send(i)
	}
	for i := 0; i < 4; i++ {
		ib.TryReceive()
	}

	stats := ib.Stats()
	if stats.CurrentDepth != 4 {
		t.Errorf("CurrentDepth = %d, want 4", stats.CurrentDepth)
	}
	// MaxDepthSeen should still be 8
	if stats.MaxDepthSeen != 8 {
		t.Errorf("MaxDepthSeen = %d, want 8", stats.MaxDepthSeen)
	}
}

func TestConcurrentSendReceive(t *testing.T) {
	ib := New[int](100, 100*time.Millisecond, testutil.NewTestLogger().Logger())

	const numSenders = 5
	const numMessages = 20
	done := make(chan bool)

	for i := 0; i < numSenders; i++ {
		go func() {
			for j := 0; j < numMessages; j++ {
				ib.Send(j)
			}
			done <- true
		}()
	}

	for i := 0; i < numSenders; i++ {
		<-done
	}

	receivedCount := 0
	for {
		if _, ok := ib.TryReceive(); !ok {
			break
		}
		receivedCount++
	}

	if want := numSenders * numMessages; receivedCount != want {
		t.Errorf("received %d messages, want %d", receivedCount, want)
	}
}
