package codec

import "tradecore/internal/schema"

// DecodeFill parses a fill record payload.
func DecodeFill(src []byte) (schema.Fill, error) {
	return decode[schema.Fill](src)
}

// DecodeEquity parses an equity snapshot payload.
func DecodeEquity(src []byte) (schema.EquitySnapshot, error) {
	return decode[schema.EquitySnapshot](src)
}
