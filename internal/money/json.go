package money

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the amount as a decimal string so 64-bit values survive
// JavaScript clients unchanged.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string ("1050") or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		parsed, err := ParseAtomic(s)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}
	parsed, err := ParseAtomic(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
