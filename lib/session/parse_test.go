package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImpedance(t *testing.T) {
	p, s, err := ParseImpedance("1.23E-9,45.6;2.34E-9,47.8")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.23e-9, 2.34e-9}, p, 1e-21)
	assert.Equal(t, []float64{45.6, 47.8}, s)
}

func TestParseImpedanceErrors(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		token int
	}{
		{"empty", "", -1},
		{"odd count", "1E-9,2;3E-9", 2},
		{"bad secondary", "1E-9,x", 1},
		{"bad primary", "y,1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseImpedance(tt.in)
			var de *DataError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.token, de.Token)
		})
	}
}

func TestParseImpedanceOddCountKeepsValues(t *testing.T) {
	p, s, err := ParseImpedance("1E-9,2;3E-9")
	assert.ErrorIs(t, err, ErrTokenCount)
	assert.Len(t, p, 2)
	assert.Len(t, s, 1)
}

func TestParseList(t *testing.T) {
	x, err := ParseList("1.0E+03,1.0E+04;1.0E+05,\r\n")
	require.NoError(t, err)
	assert.Equal(t, []float64{1e3, 1e4, 1e5}, x)

	_, err = ParseList("1,,3")
	assert.Error(t, err)
}

func TestParseSourceMeasure(t *testing.T) {
	x, err := ParseSourceMeasure("N1.0E-06,N-2.0E-06\r\n")
	require.NoError(t, err)
	assert.Equal(t, []float64{1e-6, -2e-6}, x)
}

func TestParseScalar(t *testing.T) {
	v, err := ParseScalar("+012.5\r\n", 1)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = ParseScalar("1250", 100)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	_, err = ParseScalar("", 1)
	assert.Error(t, err)
}
