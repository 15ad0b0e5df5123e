package main

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Money is an amount in paise. It travels as rupees on the wire.
type Money int64

func rupees(r int64) Money {
	return Money(r * 100)
}

func (m Money) Paise() int64 {
	return int64(m)
}

func (m Money) String() string {
	if m%100 == 0 {
		return strconv.FormatInt(int64(m)/100, 10)
	}
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid amount %s", string(b))
	}
	*m = Money(math.Round(f * 100))
	return nil
}

// percentOf returns bps basis points of m, rounded half away from zero.
func (m Money) percentOf(bps int64) Money {
	return Money(math.Round(float64(m) * float64(bps) / 10000))
}

func (m Money) Value() (driver.Value, error) {
	return int64(m), nil
}
