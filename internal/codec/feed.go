package codec

import "tradecore/internal/schema"

// DecodeTick decodes a market tick.
func DecodeTick(src []byte) (schema.Tick, error) {
	return decode[schema.Tick](src)
}

// DecodeExternalEvent decodes an external feed event.
func DecodeExternalEvent(src []byte) (schema.ExternalEvent, error) {
	return decode[schema.ExternalEvent](src)
}
