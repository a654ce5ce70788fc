package orderbook

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodolfodpk/grainstore/pkg/grain"
	"github.com/rodolfodpk/grainstore/pkg/grain/memrow"
)

type fakeNotifier struct {
	mu     sync.Mutex
	orders []string
}

func (n *fakeNotifier) OrderPlaced(_ context.Context, orderID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, orderID)
	return nil
}

type fakeShipper struct {
	mu      sync.Mutex
	shipped []string
}

func (s *fakeShipper) Ship(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipped = append(s.shipped, orderID)
	return nil
}

func TestOrderLifecycle(t *testing.T) {
	store := memrow.New()
	ctx := context.Background()
	notifier := &fakeNotifier{}
	shipper := &fakeShipper{}

	reg, err := NewRegistry(notifier, shipper, 100)
	require.NoError(t, err)

	id := NewOrderID()
	book, err := Activate(ctx, store, id, reg)
	require.NoError(t, err)

	state, err := book.Submit(ctx, []any{
		OrderPlaced{OrderID: "o1", Item: "widget", Qty: 2},
		OrderPlaced{OrderID: "o2", Item: "gadget", Qty: 1},
	})
	require.NoError(t, err)
	require.Len(t, state.Open, 2)
	require.Equal(t, OpenOrder{Item: "widget", Qty: 2}, state.Open["o1"])

	// Both reactors ran during Submit: notifications for each placed order,
	// shipments for each handler-appended request.
	require.ElementsMatch(t, []string{"o1", "o2"}, notifier.orders)
	require.ElementsMatch(t, []string{"o1", "o2"}, shipper.shipped)

	// The fulfillment stream is until-processed: shipped requests are gone.
	fulfillment := "fulfillment"
	it, err := grain.LoadEvents(ctx, store, id, &fulfillment, nil)
	require.NoError(t, err)
	defer it.Close()
	ev, err := it.Next()
	require.NoError(t, err)
	require.Nil(t, ev, "shipped requests must be pruned")

	// The orders stream keeps its audit trail.
	orders := "orders"
	it2, err := grain.LoadEvents(ctx, store, id, &orders, nil)
	require.NoError(t, err)
	defer it2.Close()
	var audit []string
	for {
		ev, err := it2.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		audit = append(audit, ev.Type)
	}
	require.Equal(t, []string{"order.placed", "order.placed"}, audit)

	// Shipping and cancelling close out the open orders.
	state, err = book.Submit(ctx, []any{
		OrderShipped{OrderID: "o1"},
		OrderCancelled{OrderID: "o2", Reason: "out of stock"},
	})
	require.NoError(t, err)
	require.Empty(t, state.Open)
	require.Equal(t, 1, state.Shipped)
	require.Equal(t, 1, state.Cancelled)
}

func TestProjectionSurvivesReactivation(t *testing.T) {
	store := memrow.New()
	ctx := context.Background()
	reg, err := NewRegistry(&fakeNotifier{}, &fakeShipper{}, 100)
	require.NoError(t, err)

	id := NewOrderID()
	book, err := Activate(ctx, store, id, reg)
	require.NoError(t, err)
	_, err = book.Submit(ctx, []any{OrderPlaced{OrderID: "o1", Item: "widget", Qty: 1}})
	require.NoError(t, err)

	reopened, err := Activate(ctx, store, id, reg)
	require.NoError(t, err)
	state := reopened.Projection()
	require.Len(t, state.Open, 1)
	require.Equal(t, "widget", state.Open["o1"].Item)
}

func TestAuditRetentionBoundsOrdersStream(t *testing.T) {
	store := memrow.New()
	ctx := context.Background()
	notifier := &fakeNotifier{}
	shipper := &fakeShipper{}
	reg, err := NewRegistry(notifier, shipper, 2)
	require.NoError(t, err)

	id := NewOrderID()
	book, err := Activate(ctx, store, id, reg)
	require.NoError(t, err)

	for _, oid := range []string{"o1", "o2", "o3", "o4"} {
		_, err = book.Submit(ctx, []any{OrderPlaced{OrderID: oid, Item: "x", Qty: 1}})
		require.NoError(t, err)
	}

	orders := "orders"
	it, err := grain.LoadEvents(ctx, store, id, &orders, nil)
	require.NoError(t, err)
	defer it.Close()
	var count int
	for {
		ev, err := it.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		count++
	}
	require.Equal(t, 2, count)

	// Every order still got notified and shipped even though the audit rows
	// were pruned.
	require.ElementsMatch(t, []string{"o1", "o2", "o3", "o4"}, notifier.orders)
	require.ElementsMatch(t, []string{"o1", "o2", "o3", "o4"}, shipper.shipped)
	state := book.Projection()
	require.Len(t, state.Open, 4)
}
