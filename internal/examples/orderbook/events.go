// Package orderbook is a worked example entity built on pkg/grain: an order
// book grain with an audit stream folded into a projection, a fulfillment
// stream fed by handler-appended events, reactors for notification and
// shipping, and until-processed retention that prunes fulfillment requests
// once they ship.
package orderbook

import (
	"encoding/json"
	"fmt"
)

// Domain events. Each carries its own event_type tag so the codec can
// dispatch without a type table.
type (
	OrderPlaced struct {
		OrderID string `json:"order_id"`
		Item    string `json:"item"`
		Qty     int    `json:"qty"`
	}

	OrderShipped struct {
		OrderID string `json:"order_id"`
	}

	OrderCancelled struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}

	// ShipmentRequested is appended by the orders handler when an order is
	// placed; it lives on the fulfillment stream, never on orders.
	ShipmentRequested struct {
		OrderID string `json:"order_id"`
	}
)

const (
	typeOrderPlaced       = "order.placed"
	typeOrderShipped      = "order.shipped"
	typeOrderCancelled    = "order.cancelled"
	typeShipmentRequested = "shipment.requested"
)

func (OrderPlaced) EventType() string       { return typeOrderPlaced }
func (OrderShipped) EventType() string      { return typeOrderShipped }
func (OrderCancelled) EventType() string    { return typeOrderCancelled }
func (ShipmentRequested) EventType() string { return typeShipmentRequested }

// Codec is the grain.EventCodec over the order book's event set.
type Codec struct{}

func (Codec) Encode(value any) (string, []byte, error) {
	type typed interface{ EventType() string }
	te, ok := value.(typed)
	if !ok {
		return "", nil, fmt.Errorf("orderbook: unknown event %T", value)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, err
	}
	return te.EventType(), data, nil
}

func (Codec) Decode(eventType string, data []byte) (any, error) {
	switch eventType {
	case typeOrderPlaced:
		var e OrderPlaced
		return e, json.Unmarshal(data, &e)
	case typeOrderShipped:
		var e OrderShipped
		return e, json.Unmarshal(data, &e)
	case typeOrderCancelled:
		var e OrderCancelled
		return e, json.Unmarshal(data, &e)
	case typeShipmentRequested:
		var e ShipmentRequested
		return e, json.Unmarshal(data, &e)
	default:
		return nil, fmt.Errorf("orderbook: unknown event type %q", eventType)
	}
}
