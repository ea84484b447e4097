package tokens

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scale is the number of Amount units in one token. Costs such as 0.75 and 1.5
// are exact at this scale, so debit followed by credit never drifts.
const Scale = 1000

// Amount is a token quantity in thousandths of a token.
type Amount int64

var ErrInvalidAmount = errors.New("invalid token amount")

func FromInt(n int64) Amount { return Amount(n * Scale) }

// FromFloat rounds f to the nearest representable amount.
func FromFloat(f float64) Amount { return Amount(math.Round(f * Scale)) }

// ParseAmount parses a decimal string with at most three fractional digits.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, ErrInvalidAmount
	}
	if len(frac) > 3 {
		return 0, fmt.Errorf("%w: more than 3 decimal places in %q", ErrInvalidAmount, s)
	}
	var w int64
	if whole != "" {
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		w = n
	}
	var f int64
	if frac != "" {
		n, err := strconv.ParseInt(frac+strings.Repeat("0", 3-len(frac)), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		f = n
	}
	if w > math.MaxInt64/Scale-1 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	a := Amount(w*Scale + f)
	if neg {
		a = -a
	}
	return a, nil
}

func (a Amount) Float64() float64 { return float64(a) / Scale }

// String renders the shortest exact decimal form ("1.5", "0.75", "1000").
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole, frac := v/Scale, v%Scale
	if frac == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%03d", frac), "0")
	return sign + strconv.FormatInt(whole, 10) + "." + fs
}

// MarshalJSON writes the amount as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		*a = FromFloat(f)
		return nil
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseAmount(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = v
	return nil
}
