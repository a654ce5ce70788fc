package orderbook

import (
	"context"
	"encoding/json"

	"github.com/rodolfodpk/grainstore/pkg/grain"
)

// OpenOrder is one not-yet-shipped order in the projection.
type OpenOrder struct {
	Item string `json:"item"`
	Qty  int    `json:"qty"`
}

// Book is the projection folded from the orders stream.
type Book struct {
	Open      map[string]OpenOrder `json:"open"`
	Shipped   int                  `json:"shipped"`
	Cancelled int                  `json:"cancelled"`
}

// BookCodec is the grain.ValueCodec[Book] for the projection row.
type BookCodec struct{}

func (BookCodec) Encode(b Book) ([]byte, error) { return json.Marshal(b) }
func (BookCodec) Decode(data []byte) (Book, error) {
	if len(data) == 0 {
		return Book{}, nil
	}
	var b Book
	return b, json.Unmarshal(data, &b)
}

// Notifier is told about every placed order; Shipper performs the actual
// shipment. Both must be idempotent: delivery is at-least-once.
type Notifier interface {
	OrderPlaced(ctx context.Context, orderID string) error
}

type Shipper interface {
	Ship(ctx context.Context, orderID string) error
}

// streamOrders is the audit stream: every order lifecycle event, folded into
// the Book. streamFulfillment carries ShipmentRequested rows only; they are
// pruned once the ship reactor completes.
const (
	streamOrders      = "orders"
	streamFulfillment = "fulfillment"
)

// NewRegistry declares the order grain's streams. auditKeep bounds the
// orders stream; fulfillment is until-processed and needs no bound.
func NewRegistry(notifier Notifier, shipper Shipper, auditKeep int) (*grain.Registry[Book], error) {
	return grain.NewRegistry[Book](
		grain.StreamDef[Book]{
			Name: streamOrders,
			BaseMatch: func(v any) bool {
				switch v.(type) {
				case OrderPlaced, OrderShipped, OrderCancelled:
					return true
				}
				return false
			},
			BaseTypes: []string{typeOrderPlaced, typeOrderShipped, typeOrderCancelled},
			Handlers: []grain.HandlerBinding[Book]{{
				Handle: foldBook,
			}},
			Reactors: []grain.ReactorSpec{{
				ID:      "notify",
				Matches: grain.TypeMatcher[OrderPlaced](),
				React: func(ctx context.Context, batch []grain.Event, _ []byte) error {
					for _, ev := range batch {
						placed := ev.Value.(OrderPlaced)
						if err := notifier.OrderPlaced(ctx, placed.OrderID); err != nil {
							return err
						}
					}
					return nil
				},
			}},
			Retention: &grain.RetentionPolicy{KeepCount: &auditKeep},
		},
		grain.StreamDef[Book]{
			Name:      streamFulfillment,
			BaseMatch: grain.TypeMatcher[ShipmentRequested](),
			BaseTypes: []string{typeShipmentRequested},
			Reactors: []grain.ReactorSpec{{
				ID:      "ship",
				Matches: grain.TypeMatcher[ShipmentRequested](),
				React: func(ctx context.Context, batch []grain.Event, _ []byte) error {
					for _, ev := range batch {
						req := ev.Value.(ShipmentRequested)
						if err := shipper.Ship(ctx, req.OrderID); err != nil {
							return err
						}
					}
					return nil
				},
			}},
			Retention: &grain.RetentionPolicy{UntilProcessed: true},
		},
	)
}

// foldBook folds one order event into the Book. Placing an order also queues
// a ShipmentRequested onto the fulfillment stream.
func foldBook(event any, book Book, hctx *grain.HandlerContext) (Book, error) {
	if book.Open == nil {
		book.Open = make(map[string]OpenOrder)
	}
	switch e := event.(type) {
	case OrderPlaced:
		book.Open[e.OrderID] = OpenOrder{Item: e.Item, Qty: e.Qty}
		hctx.Append(ShipmentRequested{OrderID: e.OrderID})
	case OrderShipped:
		delete(book.Open, e.OrderID)
		book.Shipped++
	case OrderCancelled:
		delete(book.Open, e.OrderID)
		book.Cancelled++
	}
	return book, nil
}

// Activate opens an order grain handle on store.
func Activate(ctx context.Context, store grain.RowStore, id string, reg *grain.Registry[Book]) (*grain.Grain[Book], error) {
	return grain.Activate(ctx, store, id, reg, BookCodec{}, Codec{}, Book{}, grain.EngineConfig{})
}

// NewOrderID mints a prefixed grain id for a new order book.
func NewOrderID() string {
	return grain.NewGrainID("orderbook")
}
