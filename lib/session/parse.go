package session

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseImpedance splits an impedance readback such as
// "1.23E-9,45.6;2.34E-9,47.8" into primary and secondary vectors. Separators
// alternate between ';' and ',' and are treated alike. Primary values go
// through a fixed-point decimal before conversion so the float is the nearest
// one to the wire text.
//
// On error the values parsed before the bad token are still returned.
func ParseImpedance(s string) (primary, secondary []float64, err error) {
	tokens := splitReply(strings.ReplaceAll(s, ";", ","))
	if len(tokens) == 0 {
		return nil, nil, &DataError{Reply: s, Token: -1, Err: errors.New("empty reply")}
	}
	primary = make([]float64, 0, len(tokens)/2+1)
	secondary = make([]float64, 0, len(tokens)/2)
	for i, tok := range tokens {
		if i%2 == 0 {
			d, err := decimal.NewFromString(strings.TrimPrefix(tok, "+"))
			if err != nil {
				return primary, secondary, &DataError{Reply: s, Token: i, Err: err}
			}
			f, _ := d.Float64()
			primary = append(primary, f)
			continue
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return primary, secondary, &DataError{Reply: s, Token: i, Err: err}
		}
		secondary = append(secondary, f)
	}
	if len(tokens)%2 != 0 {
		return primary, secondary, &DataError{Reply: s, Token: len(tokens) - 1, Err: ErrTokenCount}
	}
	return primary, secondary, nil
}

// ParseList parses an axis readback: comma or semicolon separated numbers,
// optionally ending with a separator and CRLF.
func ParseList(s string) ([]float64, error) {
	tokens := splitReply(strings.ReplaceAll(s, ";", ","))
	if len(tokens) == 0 {
		return nil, &DataError{Reply: s, Token: -1, Err: errors.New("empty reply")}
	}
	out := make([]float64, 0, len(tokens))
	for i, tok := range tokens {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return out, &DataError{Reply: s, Token: i, Err: err}
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseSourceMeasure parses a source-measure "DO" readback, where each
// sample carries an 'N' status marker, e.g. "N-1.2E-09,N3.4E-09".
func ParseSourceMeasure(s string) ([]float64, error) {
	tokens := splitReply(s)
	if len(tokens) == 0 {
		return nil, &DataError{Reply: s, Token: -1, Err: errors.New("empty reply")}
	}
	out := make([]float64, 0, len(tokens))
	for i, tok := range tokens {
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(tok, "N", "")), 64)
		if err != nil {
			return out, &DataError{Reply: s, Token: i, Err: err}
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseScalar parses a single reading, dropping a leading '+', and divides
// it by scale. A scale of 0 or 1 leaves the value alone.
func ParseScalar(s string, scale float64) (float64, error) {
	t := strings.TrimPrefix(strings.TrimSpace(s), "+")
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, &DataError{Reply: s, Token: 0, Err: err}
	}
	if scale != 0 && scale != 1 {
		f /= scale
	}
	return f, nil
}

// splitReply splits on commas after trimming the terminator, dropping one
// trailing empty token.
func splitReply(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	if s == "" {
		return nil
	}
	tokens := strings.Split(s, ",")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	return tokens
}
