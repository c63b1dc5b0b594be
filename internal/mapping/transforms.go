package mapping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// IdentityMapper translates relative identifiers to binary objectSid values
// and back. identity.Mapper implements it.
type IdentityMapper interface {
	EncodeBinary(ctx context.Context, rid string) ([]byte, error)
	DecodeBinary(ctx context.Context, raw []byte) (string, error)
}

// Env carries the collaborators value transforms may need.
type Env struct {
	IDs IdentityMapper
}

// ValueFunc converts the values of one attribute. It receives an empty
// slice when the source attribute is absent and may return an empty slice
// to clear the target.
type ValueFunc func(ctx context.Context, env Env, values [][]byte) ([][]byte, error)

const (
	// ticksPerSecond is the number of 100ns intervals in a second.
	ticksPerSecond = 10_000_000

	// epochDelta is the number of seconds between 1601-01-01 and 1970-01-01.
	epochDelta = 11_644_473_600

	// NeverInterval is the AD value for an unlimited negative interval.
	NeverInterval = math.MinInt64
	// NeverExpires is the AD accountExpires value for an account that never
	// expires; 0 means the same.
	NeverExpires = math.MaxInt64
)

var errNoIdentityMapper = errors.New("no identity mapper configured")

func single(values [][]byte) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	return strings.TrimSpace(string(values[0])), true
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return n, nil
}

func text(s string) [][]byte {
	return [][]byte{[]byte(s)}
}

// RIDToSID encodes relative identifiers as binary objectSid values in the
// AD domain.
func RIDToSID(ctx context.Context, env Env, values [][]byte) ([][]byte, error) {
	if env.IDs == nil {
		return nil, errNoIdentityMapper
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		sid, err := env.IDs.EncodeBinary(ctx, string(v))
		if err != nil {
			return nil, err
		}
		out = append(out, sid)
	}
	return out, nil
}

// SIDToRID decodes binary objectSid values to relative identifiers. SIDs
// outside the domain keep their full string form.
func SIDToRID(ctx context.Context, env Env, values [][]byte) ([][]byte, error) {
	if env.IDs == nil {
		return nil, errNoIdentityMapper
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		rid, err := env.IDs.DecodeBinary(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, []byte(rid))
	}
	return out, nil
}

// Default fills in value when the source attribute is absent.
func Default(value string, next ValueFunc) ValueFunc {
	return func(ctx context.Context, env Env, values [][]byte) ([][]byte, error) {
		if len(values) == 0 {
			values = text(value)
		}
		if next == nil {
			return values, nil
		}
		return next(ctx, env, values)
	}
}

// Integer validates a single integer value.
func Integer(_ context.Context, _ Env, values [][]byte) ([][]byte, error) {
	s, ok := single(values)
	if !ok {
		return nil, nil
	}
	n, err := parseInt(s)
	if err != nil {
		return nil, err
	}
	return text(strconv.FormatInt(n, 10)), nil
}

// unitsToInterval converts a count of unit seconds into a negative 100ns
// interval. Negative and zero counts mean "never".
func unitsToInterval(unit int64) ValueFunc {
	return func(_ context.Context, _ Env, values [][]byte) ([][]byte, error) {
		s, ok := single(values)
		if !ok {
			return nil, nil
		}
		n, err := parseInt(s)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return text(strconv.FormatInt(NeverInterval, 10)), nil
		}
		if n > math.MaxInt64/(unit*ticksPerSecond) {
			return nil, fmt.Errorf("%d is out of range", n)
		}
		return text(strconv.FormatInt(-n*unit*ticksPerSecond, 10)), nil
	}
}

// intervalToUnits is the inverse of unitsToInterval; "never" becomes -1.
func intervalToUnits(unit int64) ValueFunc {
	return func(_ context.Context, _ Env, values [][]byte) ([][]byte, error) {
		s, ok := single(values)
		if !ok {
			return nil, nil
		}
		n, err := parseInt(s)
		if err != nil {
			return nil, err
		}
		if n == NeverInterval || n >= 0 {
			return text("-1"), nil
		}
		return text(strconv.FormatInt(-n/(unit*ticksPerSecond), 10)), nil
	}
}

var (
	// SecondsToInterval maps a duration in seconds (sambaMaxPwdAge) to a
	// negative 100ns interval (maxPwdAge): 5 becomes -50000000.
	SecondsToInterval = unitsToInterval(1)
	// IntervalToSeconds is the inverse of SecondsToInterval.
	IntervalToSeconds = intervalToUnits(1)
	// MinutesToInterval maps minutes (sambaLockoutDuration) to a negative
	// 100ns interval (lockoutDuration).
	MinutesToInterval = unitsToInterval(60)
	// IntervalToMinutes is the inverse of MinutesToInterval.
	IntervalToMinutes = intervalToUnits(60)
)

// DaysToFileTime maps shadowExpire (days since 1970) to accountExpires (100ns
// intervals since 1601). No value means the account never expires.
func DaysToFileTime(_ context.Context, _ Env, values [][]byte) ([][]byte, error) {
	s, ok := single(values)
	if !ok {
		return text("0"), nil
	}
	days, err := parseInt(s)
	if err != nil {
		return nil, err
	}
	if days < 0 {
		return text("0"), nil
	}
	return text(strconv.FormatInt((days*86400+epochDelta)*ticksPerSecond, 10)), nil
}

// FileTimeToDays is the inverse of DaysToFileTime.
func FileTimeToDays(_ context.Context, _ Env, values [][]byte) ([][]byte, error) {
	s, ok := single(values)
	if !ok {
		return nil, nil
	}
	ft, err := parseInt(s)
	if err != nil {
		return nil, err
	}
	if ft == 0 || ft == NeverExpires {
		return nil, nil
	}
	seconds := ft/ticksPerSecond - epochDelta
	if seconds < 0 {
		return nil, fmt.Errorf("accountExpires %d predates 1970", ft)
	}
	return text(strconv.FormatInt(seconds/86400, 10)), nil
}
