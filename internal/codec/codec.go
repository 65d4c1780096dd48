package codec

import (
	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
)

// Journal payloads are JSON so that every store (WAL, SQL, memory) holds the
// same bytes and records stay readable with standard tools.
var api = sonic.ConfigStd

// Encode serializes a journal payload.
func Encode(v any) ([]byte, error) {
	b, err := api.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %T", v)
	}
	return b, nil
}

func decode[T any](src []byte) (T, error) {
	var v T
	if err := api.Unmarshal(src, &v); err != nil {
		return v, errors.Wrapf(err, "decode %T", v)
	}
	return v, nil
}

// EventTypeOf returns the journal record type for a payload value.
func EventTypeOf(v any) schema.EventType {
	switch v.(type) {
	case schema.Order, *schema.Order:
		return schema.EventOrder
	case schema.Fill, *schema.Fill:
		return schema.EventFill
	case schema.Deposit, *schema.Deposit:
		return schema.EventDeposit
	case schema.EquitySnapshot, *schema.EquitySnapshot:
		return schema.EventEquity
	case schema.ControlCommand, *schema.ControlCommand:
		return schema.EventControl
	default:
		return schema.EventUnknown
	}
}
