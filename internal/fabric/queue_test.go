package fabric

import (
	"fmt"
	"testing"

	"github.com/fedsig/threatnet/pkg/models"
)

func TestOutQueue_FIFO(t *testing.T) {
	q := newOutQueue(8)

	for i := 0; i < 3; i++ {
		if _, err := q.push(models.EventIOCVerified, []byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		item, ok := q.pop()
		if !ok {
			t.Fatalf("Expected item %d", i)
		}
		if string(item.payload) != fmt.Sprintf("p%d", i) {
			t.Errorf("Expected p%d. Got %s", i, item.payload)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("Expected empty queue")
	}
}

func TestOutQueue_EvictsOldestClientStatus(t *testing.T) {
	q := newOutQueue(3)

	q.push(models.EventIOCVerified, []byte("v1"))
	q.push(models.EventClientStatus, []byte("s1"))
	q.push(models.EventClientStatus, []byte("s2"))

	// Full queue: the newcomer displaces the oldest client_status.
	dropped, err := q.push(models.EventIOCVerified, []byte("v2"))
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if !dropped {
		t.Error("Expected an eviction to be reported")
	}

	var got []string
	for {
		item, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, string(item.payload))
	}
	want := []string{"v1", "s2", "v2"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v. Got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestOutQueue_VerifiedOverflowErrors(t *testing.T) {
	q := newOutQueue(2)

	q.push(models.EventIOCVerified, []byte("v1"))
	q.push(models.EventIOCVerified, []byte("v2"))

	// Nothing evictable: a must-deliver push signals overflow so the caller
	// can close the session.
	_, err := q.push(models.EventIOCVerified, []byte("v3"))
	if err != errQueueOverflow {
		t.Errorf("Expected errQueueOverflow. Got %v", err)
	}

	// Sheddable events are silently shed instead.
	dropped, err := q.push(models.EventSyncResponse, []byte("sync"))
	if err != nil {
		t.Errorf("Expected silent shed. Got %v", err)
	}
	if !dropped {
		t.Error("Expected the shed to be reported")
	}
	if q.len() != 2 {
		t.Errorf("Expected queue length unchanged. Got %d", q.len())
	}
}

func TestOutQueue_ClosedRejectsPush(t *testing.T) {
	q := newOutQueue(4)
	q.push(models.EventIOCVerified, []byte("v1"))
	q.close()

	if _, err := q.push(models.EventIOCVerified, []byte("v2")); err != errQueueClosed {
		t.Errorf("Expected errQueueClosed. Got %v", err)
	}
	if _, ok := q.pop(); ok {
		t.Error("Expected close to drop pending items")
	}
}

func TestOutQueue_SignalsOnPush(t *testing.T) {
	q := newOutQueue(4)

	select {
	case <-q.wait():
		t.Fatal("Expected no signal before push")
	default:
	}

	q.push(models.EventIOCVerified, []byte("v1"))
	select {
	case <-q.wait():
	default:
		t.Fatal("Expected a signal after push")
	}
}
