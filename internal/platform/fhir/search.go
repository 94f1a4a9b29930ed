package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseParamModifier splits a parameter key from its modifier.
// "name:exact" -> ("name", exact), "code" -> ("code", "").
func ParseParamModifier(key string) (string, Modifier) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) == 2 {
		return parts[0], Modifier(parts[1])
	}
	return parts[0], ModNone
}

// ParsePrefix strips an ordered-value operator prefix from a date or
// number operand. Operands with no prefix default to eq. A leading
// two-letter prefix that is not part of the supported grammar is an
// internal error, deliberately distinct from the 400 used for unknown
// parameter names.
func ParsePrefix(raw string) (ComparePrefix, string, error) {
	if len(raw) >= 2 && isAlpha(raw[0]) && isAlpha(raw[1]) {
		p := ComparePrefix(strings.ToLower(raw[:2]))
		switch p {
		case CmpEq, CmpNe, CmpGt, CmpLt, CmpGe, CmpLe:
			return p, raw[2:], nil
		}
		return "", "", InternalError("unsupported operator prefix %q", raw[:2])
	}
	return CmpEq, raw, nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// dateRange widens a partial-precision date operand to its implied
// half-open range. "2013" covers the whole year, "2013-05" the month,
// "2013-05-10" the day, and a full datetime one second.
func dateRange(operand string) (time.Time, time.Time, error) {
	switch len(operand) {
	case 4:
		t, err := time.Parse("2006", operand)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid year %q", operand)
		}
		return t, t.AddDate(1, 0, 0), nil
	case 7:
		t, err := time.Parse("2006-01", operand)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid year-month %q", operand)
		}
		return t, t.AddDate(0, 1, 0), nil
	case 10:
		t, err := time.Parse("2006-01-02", operand)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q", operand)
		}
		return t, t.AddDate(0, 0, 1), nil
	default:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, operand); err == nil {
				return t, t.Add(time.Second), nil
			}
		}
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date-time %q", operand)
	}
}

// ParseDateValue parses one date operand into an executable predicate.
func ParseDateValue(raw string) (Predicate, error) {
	op, operand, err := ParsePrefix(raw)
	if err != nil {
		return Predicate{}, err
	}
	lo, hi, perr := dateRange(operand)
	if perr != nil {
		return Predicate{}, ValidationError("%s", perr.Error())
	}
	return Predicate{Type: ParamDate, Op: op, DateLo: lo, DateHi: hi}, nil
}

// ParseNumberValue parses one number operand into an executable predicate.
func ParseNumberValue(raw string) (Predicate, error) {
	op, operand, err := ParsePrefix(raw)
	if err != nil {
		return Predicate{}, err
	}
	n, perr := strconv.ParseFloat(operand, 64)
	if perr != nil {
		return Predicate{}, ValidationError("invalid number %q", operand)
	}
	return Predicate{Type: ParamNumber, Op: op, Number: n}, nil
}

// ParseTokenValue parses one token operand using the system|code grammar.
// A bare value matches the code under any system; "system|" matches any
// code under that system; "|code" pins an empty system.
func ParseTokenValue(raw string) Predicate {
	if !strings.Contains(raw, "|") {
		return Predicate{Type: ParamToken, Code: raw, AnySystem: true}
	}
	parts := strings.SplitN(raw, "|", 2)
	system, code := parts[0], parts[1]
	if code == "" {
		return Predicate{Type: ParamToken, System: system, SystemOnly: true}
	}
	return Predicate{Type: ParamToken, System: system, Code: code}
}

// MatchDate evaluates a date predicate against a stored point value.
func (p Predicate) MatchDate(v time.Time) bool {
	switch p.Op {
	case CmpNe:
		return v.Before(p.DateLo) || !v.Before(p.DateHi)
	case CmpGt:
		return !v.Before(p.DateHi)
	case CmpGe:
		return !v.Before(p.DateLo)
	case CmpLt:
		return v.Before(p.DateLo)
	case CmpLe:
		return v.Before(p.DateHi)
	default: // eq
		return !v.Before(p.DateLo) && v.Before(p.DateHi)
	}
}

// MatchNumber evaluates a number predicate against a stored value.
func (p Predicate) MatchNumber(v float64) bool {
	switch p.Op {
	case CmpNe:
		return v != p.Number
	case CmpGt:
		return v > p.Number
	case CmpGe:
		return v >= p.Number
	case CmpLt:
		return v < p.Number
	case CmpLe:
		return v <= p.Number
	default:
		return v == p.Number
	}
}

// MatchString evaluates a string predicate against a stored value.
func (p Predicate) MatchString(v string) bool {
	switch p.Modifier {
	case ModExact:
		return v == p.String
	case ModContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(p.String))
	default:
		return strings.HasPrefix(strings.ToLower(v), strings.ToLower(p.String))
	}
}

// MatchToken evaluates a token predicate against a stored system/code pair.
func (p Predicate) MatchToken(system, code string) bool {
	switch {
	case p.SystemOnly:
		return system == p.System
	case p.AnySystem:
		return code == p.Code
	default:
		return system == p.System && code == p.Code
	}
}

// MatchReference evaluates a reference predicate against a stored literal.
func (p Predicate) MatchReference(ref string) bool {
	if p.RefSet != nil {
		for _, want := range p.RefSet {
			if ref == want {
				return true
			}
		}
		return false
	}
	if strings.Contains(p.Reference, "/") {
		return ref == p.Reference
	}
	// Bare id: match any resource type.
	return strings.HasSuffix(ref, "/"+p.Reference) || ref == p.Reference
}
