package schema

// EventType defines the category of a record stored in the ledger journal.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventOrder
	EventFill
	EventDeposit
	EventEquity
	EventControl
)

func (t EventType) String() string {
	switch t {
	case EventOrder:
		return "order"
	case EventFill:
		return "fill"
	case EventDeposit:
		return "deposit"
	case EventEquity:
		return "equity"
	case EventControl:
		return "control"
	default:
		return "unknown"
	}
}

// Topic names a stream on the dispatch fabric.
type Topic string

const (
	TopicMarketTick   Topic = "market.tick"
	TopicExternalFeed Topic = "events.external_feed"
	TopicOrderUpdate  Topic = "orders.update"
	TopicFill         Topic = "fills.new"
)
