package venue

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// flexString accepts a JSON string or number and keeps its text form.
// Other JSON types decode to "".
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(str))
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*s = flexString(data)
	default:
		*s = ""
	}
	return nil
}

// flexBool is true only for the JSON literal true. Strings, numbers and
// other types decode to false instead of failing the document.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	*b = flexBool(bytes.Equal(bytes.TrimSpace(data), []byte("true")))
	return nil
}

// flexDecimal accepts a JSON number or numeric string. Unparseable values
// decode to "unknown" rather than failing the whole document.
type flexDecimal struct {
	v *decimal.Decimal
}

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil || s == "" {
		f.v = nil
		return nil
	}
	d, err := decimal.NewFromString(string(s))
	if err != nil {
		f.v = nil
		return nil
	}
	f.v = &d
	return nil
}

// Value returns the parsed decimal, or nil when absent or unparseable.
func (f flexDecimal) Value() *decimal.Decimal { return f.v }

// flexTime accepts RFC 3339 timestamps; anything else is the zero time.
type flexTime struct {
	t time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(s))
	if err != nil {
		return nil
	}
	f.t = t.UTC()
	return nil
}

// Time returns the parsed timestamp; zero when absent.
func (f flexTime) Time() time.Time { return f.t }
