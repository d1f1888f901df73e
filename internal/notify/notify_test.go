package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiFansOut(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{err: boom}, &recorder{}
	err := Multi{a, LogNotifier{}, b}.Notify(context.Background(), Event{Kind: "NotifyBuyer", Order: "o1"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1, "later notifiers still run")
}

func TestNatsSubject(t *testing.T) {
	n := NewNatsNotifier(nil, "")
	assert.Equal(t, "bidmesh.events.abc", n.Subject("abc"))
}
