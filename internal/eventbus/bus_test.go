// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishOrder(t *testing.T) {
	t.Parallel()

	b := New[int]("test")
	defer b.Close()

	var mu sync.Mutex
	var got []int
	b.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := range 500 {
		b.Publish(i)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 500
	})
	for i, v := range got {
		if v != i {
			t.Fatalf("value %d delivered at position %d", v, i)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New[string]("test")
	defer b.Close()

	var mu sync.Mutex
	var first, second int
	off := b.Subscribe(func(string) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	b.Subscribe(func(string) {
		mu.Lock()
		second++
		mu.Unlock()
	})
	if b.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Len())
	}

	b.Publish("a")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return first == 1 && second == 1
	})

	off()
	off()
	if b.Len() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Len())
	}

	b.Publish("b")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if first != 1 {
		t.Fatalf("unsubscribed handler called %d times", first)
	}
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	b := New[int]("test")
	defer b.Close()

	done := make(chan int, 2)
	b.Subscribe(func(v int) {
		if v == 1 {
			panic("boom")
		}
	})
	b.Subscribe(func(v int) { done <- v })

	b.Publish(1)
	b.Publish(2)

	for _, want := range []int{1, 2} {
		select {
		case got := <-done:
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("value %d not delivered", want)
		}
	}
}

func TestPublishAfterClose(t *testing.T) {
	t.Parallel()

	b := New[int]("test")
	called := make(chan struct{}, 1)
	b.Subscribe(func(int) { called <- struct{}{} })
	b.Close()
	b.Close()
	b.Publish(1)

	select {
	case <-called:
		t.Fatal("handler called after close")
	case <-time.After(50 * time.Millisecond):
	}
}
