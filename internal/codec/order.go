package codec

import "tradecore/internal/schema"

// DecodeOrder parses an order record payload.
func DecodeOrder(src []byte) (schema.Order, error) {
	return decode[schema.Order](src)
}

// DecodeDeposit parses a deposit record payload.
func DecodeDeposit(src []byte) (schema.Deposit, error) {
	return decode[schema.Deposit](src)
}

// DecodeControl parses a control command audit payload.
func DecodeControl(src []byte) (schema.ControlCommand, error) {
	return decode[schema.ControlCommand](src)
}
