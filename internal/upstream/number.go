package upstream

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Number decodes the API's loosely typed numerics: JSON numbers, quoted
// numbers, and comma-grouped strings such as "1,234,500".
type Number struct {
	value float64
	valid bool
}

// NumberOf wraps a known value.
func NumberOf(v float64) Number { return Number{value: v, valid: true} }

// UnmarshalJSON implements json.Unmarshaler. null and "" leave the number unset.
func (n *Number) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*n = Number{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		*n = Number{}
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %s", string(b))
	}
	*n = Number{value: v, valid: true}
	return nil
}

// Valid reports whether a value was present.
func (n Number) Valid() bool { return n.valid }

// Float returns the value, zero when unset.
func (n Number) Float() float64 { return n.value }

// Int rounds half away from zero.
func (n Number) Int() int64 { return int64(math.Round(n.value)) }
