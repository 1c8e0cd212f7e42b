package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/wire"
)

func event(origin string, mark string) Event {
	return Event{
		Origin: origin,
		Mark:   lsn.MustParse(mark),
		Changes: []wire.Change{{
			Table: "tasks", Operation: wire.OpInsert,
		}},
	}
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub()

	a := h.Subscribe("a", 4)
	defer a.Close()
	b := h.Subscribe("b", 4)
	defer b.Close()
	require.Equal(t, 2, h.Subscribers())

	h.Publish(event("client-x", "0/1"))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			require.Equal(t, lsn.MustParse("0/1"), ev.Mark)
			require.Equal(t, "client-x", ev.Origin)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed broadcast")
		}
	}
}

func TestHub_CloseDetaches(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("a", 4)
	sub.Close()
	require.Zero(t, h.Subscribers())

	// Publishing after detach must not panic or deliver.
	h.Publish(event("x", "0/1"))
	select {
	case <-sub.C:
		t.Fatal("detached subscriber received event")
	default:
	}
}

func TestHub_SlowSubscriberFlaggedLagged(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("slow", 1)
	defer sub.Close()

	h.Publish(event("x", "0/1"))
	h.Publish(event("x", "0/2")) // overflows the buffer

	select {
	case <-sub.Lagged:
	case <-time.After(time.Second):
		t.Fatal("lagged signal not raised")
	}

	// The first event is still delivered; the session decides what to
	// do with the lag signal.
	ev := <-sub.C
	require.Equal(t, lsn.MustParse("0/1"), ev.Mark)
}
