// Package carbon holds the pure conversion layer of the pipeline:
// CPU time to energy, energy to emissions, and emissions to
// human-relatable equivalencies. Nothing in this package performs I/O.
package carbon

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
)

// FailedMarker is the wire and storage representation of a measurement
// whose upstream fetch failed. It is deliberately out-of-band: a failed
// reading must never be confused with a measured zero.
const FailedMarker = "FAILED"

var ErrInvalidMeasurement = errors.New("invalid_measurement")

// Measurement is either a measured float64 or the failed sentinel.
// The zero value is Failed, so an uninitialized field never reads as 0.
type Measurement struct {
	value float64
	valid bool
}

// Measured wraps a known value.
func Measured(v float64) Measurement {
	return Measurement{value: v, valid: true}
}

// Failed is the sentinel for a reading whose upstream fetch failed.
func Failed() Measurement {
	return Measurement{}
}

func (m Measurement) IsFailed() bool { return !m.valid }

// Float returns the measured value. It is only meaningful when
// IsFailed reports false; callers must check first.
func (m Measurement) Float() (float64, bool) {
	return m.value, m.valid
}

// Add combines two measurements. A failed operand poisons the sum.
func (m Measurement) Add(other Measurement) Measurement {
	if !m.valid || !other.valid {
		return Failed()
	}
	return Measured(m.value + other.value)
}

// Scale multiplies a measured value by a scalar, propagating failure.
func (m Measurement) Scale(factor float64) Measurement {
	if !m.valid {
		return Failed()
	}
	return Measured(m.value * factor)
}

func (m Measurement) String() string {
	if !m.valid {
		return FailedMarker
	}
	return strconv.FormatFloat(m.value, 'f', -1, 64)
}

// ParseMeasurement decodes the storage representation produced by String.
func ParseMeasurement(s string) (Measurement, error) {
	if s == FailedMarker {
		return Failed(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Failed(), fmt.Errorf("%w: %q", ErrInvalidMeasurement, s)
	}
	return Measured(v), nil
}

// GORM / database/sql integration. Measurements are stored as TEXT so the
// failed sentinel survives round trips without a nullable numeric column.

// Value implements driver.Valuer.
func (m Measurement) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner.
func (m *Measurement) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Failed()
		return nil
	case string:
		parsed, err := ParseMeasurement(v)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case []byte:
		parsed, err := ParseMeasurement(string(v))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case float64:
		*m = Measured(v)
		return nil
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidMeasurement, src)
	}
}

// MarshalJSON renders a measured value as a number and the failed
// sentinel as the reserved string, mirroring the storage encoding.
func (m Measurement) MarshalJSON() ([]byte, error) {
	if !m.valid {
		return []byte(strconv.Quote(FailedMarker)), nil
	}
	return []byte(strconv.FormatFloat(m.value, 'f', -1, 64)), nil
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		parsed, perr := ParseMeasurement(unquoted)
		if perr != nil {
			return perr
		}
		*m = parsed
		return nil
	}
	parsed, err := ParseMeasurement(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
