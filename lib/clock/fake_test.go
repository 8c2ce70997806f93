// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(5 * time.Second)

	select {
	case fired := <-ch:
		if !fired.Equal(time.Unix(1005, 0)) {
			t.Errorf("fire time = %v, want %v", fired, time.Unix(1005, 0))
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	var order []string
	fake.AfterFunc(3*time.Second, func() { order = append(order, "b") })
	fake.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	stopped := fake.AfterFunc(2*time.Second, func() { order = append(order, "x") })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}

	fake.Advance(10 * time.Second)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("callback order = %v, want [a b]", order)
	}
}

func TestFakeTickerDropsWhenConsumerBehind(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals elapse without a read; capacity 1 means only
	// one tick is pending.
	fake.Advance(3 * time.Second)

	received := 0
	for {
		select {
		case <-ticker.C:
			received++
			continue
		default:
		}
		break
	}
	if received != 1 {
		t.Errorf("pending ticks = %d, want 1", received)
	}
}

func TestFakeTickerStopsDelivering(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)

	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}
