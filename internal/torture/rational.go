package torture

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Rational ...
type Rational struct {
	Nominator   uint64
	Denominator uint64
}

// NewRational ...
func NewRational(nominator uint64, denominator uint64) Rational {
	return Rational{
		Nominator:   nominator,
		Denominator: denominator,
	}
}

// ParseRational parses "n/d", or a bare "n" meaning n/1.
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	if !found {
		den = "1"
	}

	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return Rational{}, errors.Wrapf(err, "rational %q", s)
	}
	d, err := strconv.ParseUint(strings.TrimSpace(den), 10, 64)
	if err != nil {
		return Rational{}, errors.Wrapf(err, "rational %q", s)
	}
	if d == 0 {
		return Rational{}, errors.Errorf("rational %q: zero denominator", s)
	}
	return NewRational(n, d), nil
}

// MulUint32 returns v * r rounded down, saturating at math.MaxUint32.
func (r Rational) MulUint32(v uint32) uint32 {
	hi, lo := bits.Mul64(uint64(v), r.Nominator)
	if hi >= r.Denominator {
		return math.MaxUint32
	}
	q, _ := bits.Div64(hi, lo, r.Denominator)
	if q > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(q)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Nominator, r.Denominator)
}

// UnmarshalYAML ...
func (r *Rational) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseRational(value.Value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalYAML ...
func (r Rational) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}
