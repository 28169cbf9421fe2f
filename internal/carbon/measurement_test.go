package carbon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasurementZeroValueIsFailed(t *testing.T) {
	var m Measurement
	assert.True(t, m.IsFailed())
	_, ok := m.Float()
	assert.False(t, ok)
}

func TestMeasurementStringRoundTrip(t *testing.T) {
	m := Measured(0.0065)
	parsed, err := ParseMeasurement(m.String())
	require.NoError(t, err)
	v, ok := parsed.Float()
	require.True(t, ok)
	assert.Equal(t, 0.0065, v)

	failed, err := ParseMeasurement(FailedMarker)
	require.NoError(t, err)
	assert.True(t, failed.IsFailed())
}

func TestMeasurementParseRejectsGarbage(t *testing.T) {
	_, err := ParseMeasurement("not-a-number")
	assert.ErrorIs(t, err, ErrInvalidMeasurement)
}

func TestMeasurementAddPropagatesFailure(t *testing.T) {
	sum := Measured(1.5).Add(Failed())
	assert.True(t, sum.IsFailed())

	sum = Measured(1.5).Add(Measured(2.5))
	v, ok := sum.Float()
	require.True(t, ok)
	assert.Equal(t, 4.0, v)
}

func TestMeasurementScalePropagatesFailure(t *testing.T) {
	assert.True(t, Failed().Scale(10).IsFailed())

	v, ok := Measured(2).Scale(3).Float()
	require.True(t, ok)
	assert.Equal(t, 6.0, v)
}

func TestMeasurementScan(t *testing.T) {
	var m Measurement
	require.NoError(t, m.Scan("12.5"))
	v, ok := m.Float()
	require.True(t, ok)
	assert.Equal(t, 12.5, v)

	require.NoError(t, m.Scan(FailedMarker))
	assert.True(t, m.IsFailed())

	require.NoError(t, m.Scan([]byte("3")))
	v, _ = m.Float()
	assert.Equal(t, 3.0, v)

	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsFailed())
}

func TestMeasurementJSON(t *testing.T) {
	data, err := json.Marshal(Measured(1.25))
	require.NoError(t, err)
	assert.Equal(t, "1.25", string(data))

	data, err = json.Marshal(Failed())
	require.NoError(t, err)
	assert.Equal(t, `"FAILED"`, string(data))

	var m Measurement
	require.NoError(t, json.Unmarshal([]byte(`"FAILED"`), &m))
	assert.True(t, m.IsFailed())
	require.NoError(t, json.Unmarshal([]byte("2.5"), &m))
	v, _ := m.Float()
	assert.Equal(t, 2.5, v)
}
