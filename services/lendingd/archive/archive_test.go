package archive

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"loanledger/core/types"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string    { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

type bareEvent string

func (e bareEvent) EventType() string { return string(e) }

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	a, err := New(db, nil)
	if err != nil {
		t.Fatalf("migrate archive: %v", err)
	}
	return a
}

func loanEvent(eventType, loanID string) testEvent {
	evt := types.NewEvent(eventType)
	evt.Attributes["loanId"] = loanID
	evt.Attributes["state"] = "requested"
	return testEvent{evt: evt}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("sqlite", ""); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestFlushPersistsInOrder(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	a.Emit(loanEvent("lending.loan.requested", "0"))
	a.Emit(loanEvent("lending.loan.funded", "0"))
	a.Emit(bareEvent("lending.paused"))
	require.Equal(t, 3, a.Pending())

	list, err := a.List(ctx, Query{})
	require.NoError(t, err)
	require.Empty(t, list, "events are invisible before flush")

	require.NoError(t, a.Flush(ctx))
	require.Zero(t, a.Pending())

	list, err = a.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "lending.loan.requested", list[0].Type)
	require.Equal(t, "lending.paused", list[2].Type)
	require.Less(t, list[0].Seq, list[1].Seq)

	attrs, err := list[0].Decoded()
	require.NoError(t, err)
	require.Equal(t, "requested", attrs["state"])
	bare, err := list[2].Decoded()
	require.NoError(t, err)
	require.Empty(t, bare)
}

func TestDiscardDropsBufferedEvents(t *testing.T) {
	a := newTestArchive(t)
	a.Emit(loanEvent("lending.loan.requested", "0"))
	a.Discard()
	require.NoError(t, a.Flush(context.Background()))
	list, err := a.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestListFiltersAndPages(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		a.Emit(loanEvent("lending.loan.requested", fmt.Sprint(i)))
		a.Emit(loanEvent("lending.loan.cancelled", fmt.Sprint(i)))
	}
	require.NoError(t, a.Flush(ctx))

	page, err := a.List(ctx, Query{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page, 4)
	next, err := a.List(ctx, Query{After: page[3].Seq, Limit: 100})
	require.NoError(t, err)
	require.Len(t, next, 6)

	cancelled, err := a.List(ctx, Query{Type: "lending.loan.cancelled"})
	require.NoError(t, err)
	require.Len(t, cancelled, 5)

	byLoan, err := a.List(ctx, Query{LoanID: "3"})
	require.NoError(t, err)
	require.Len(t, byLoan, 2)
	for _, rec := range byLoan {
		require.Equal(t, "3", rec.LoanID)
	}
}
