package form6765

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a monetary amount serialized as a fixed two-decimal string ("6000.00").
type Money struct {
	d decimal.Decimal
}

// NewMoney parses a decimal string. It panics on malformed input and is meant for literals.
func NewMoney(s string) Money {
	return Money{d: decimal.RequireFromString(s)}
}

// MoneyFromInt returns a whole-unit amount.
func MoneyFromInt(v int64) Money {
	return Money{d: decimal.NewFromInt(v)}
}

// ParseMoney parses a decimal string.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{d: d}, nil
}

// round2 rounds to cents, halves away from zero.
func round2(d decimal.Decimal) Money {
	return Money{d: d.Round(2)}
}

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) String() string { return m.d.StringFixed(2) }

func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) Float64() float64 {
	f, _ := m.d.Float64()
	return f
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.d.StringFixed(2))
}

// UnmarshalJSON accepts both JSON numbers and numeric strings.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		m.d = decimal.Zero
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", b, err)
	}
	m.d = d
	return nil
}
