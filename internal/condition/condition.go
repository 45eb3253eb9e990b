// Package condition implements the threshold language stored with alert
// conditions. Three shapes are accepted: "<=N", ">=N" and, for sensors whose
// domain reaches below zero, the range form "A-B".
package condition

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SensorType names one measured quantity of a sensor reading.
type SensorType string

const (
	Temperature SensorType = "Temperature"
	Humidity    SensorType = "Humidity"
	AirPressure SensorType = "AirPressure"
	AirQuality  SensorType = "AirQuality"
)

// SensorTypes lists every supported sensor type in a stable order.
var SensorTypes = []SensorType{Temperature, Humidity, AirPressure, AirQuality}

var (
	// ErrUnknownSensor is returned for sensor types outside SensorTypes.
	ErrUnknownSensor = errors.New("unknown sensor type")
	// ErrSyntax is returned when a condition does not match the grammar.
	ErrSyntax = errors.New("invalid condition syntax")
	// ErrOutOfDomain is returned when a well-formed condition references a
	// threshold outside the sensor's domain.
	ErrOutOfDomain = errors.New("threshold outside sensor domain")
)

// ParseError describes why a condition string was rejected.
type ParseError struct {
	Sensor SensorType
	Text   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("condition %q for %s: %v", e.Text, e.Sensor, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Domain is an inclusive numeric interval. A nil bound is unbounded.
type Domain struct {
	Min *float64
	Max *float64
}

// Contains reports whether v lies inside the domain. NaN and infinities are
// never contained.
func (d Domain) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if d.Min != nil && v < *d.Min {
		return false
	}
	if d.Max != nil && v > *d.Max {
		return false
	}
	return true
}

func (d Domain) String() string {
	lo, hi := "-inf", "+inf"
	if d.Min != nil {
		lo = strconv.FormatFloat(*d.Min, 'f', -1, 64)
	}
	if d.Max != nil {
		hi = strconv.FormatFloat(*d.Max, 'f', -1, 64)
	}
	return "[" + lo + ", " + hi + "]"
}

func bound(v float64) *float64 { return &v }

// grammar is the per-sensor parameterization of the single condition grammar.
type grammar struct {
	domain Domain
	// signed allows a leading minus on literals and enables the range form.
	signed bool
}

// AirPressure keeps 0 in its domain so a sensor reporting 0 on a failed read
// still validates and can be matched by a "<=0" condition.
var grammars = map[SensorType]grammar{
	Temperature: {domain: Domain{Min: bound(-40), Max: bound(130)}, signed: true},
	Humidity:    {domain: Domain{Min: bound(0), Max: bound(100)}},
	AirPressure: {domain: Domain{Min: bound(0)}},
	AirQuality:  {domain: Domain{Min: bound(0), Max: bound(2000)}},
}

// ParseSensorType maps a stored sensor type name onto a SensorType.
func ParseSensorType(s string) (SensorType, error) {
	st := SensorType(s)
	if _, ok := grammars[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSensor, s)
	}
	return st, nil
}

// DomainOf returns the inclusive domain of a sensor type. Unknown sensor
// types return an empty (unbounded) domain and false.
func DomainOf(st SensorType) (Domain, bool) {
	g, ok := grammars[st]
	return g.domain, ok
}

// Operator is the comparison a Condition performs.
type Operator int

const (
	AtMost Operator = iota + 1
	AtLeast
	Between
)

func (o Operator) String() string {
	switch o {
	case AtMost:
		return "<="
	case AtLeast:
		return ">="
	case Between:
		return "range"
	default:
		return "unknown"
	}
}

// Condition is a parsed threshold. Threshold is set for AtMost and AtLeast;
// Low and High for Between, with Low <= High.
type Condition struct {
	Sensor    SensorType
	Op        Operator
	Threshold float64
	Low       float64
	High      float64
}

// String renders the condition in its canonical textual form.
func (c Condition) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch c.Op {
	case AtMost:
		return "<=" + f(c.Threshold)
	case AtLeast:
		return ">=" + f(c.Threshold)
	case Between:
		return f(c.Low) + "-" + f(c.High)
	default:
		return ""
	}
}

// Literals returns every numeric literal the condition references.
func (c Condition) Literals() []float64 {
	if c.Op == Between {
		return []float64{c.Low, c.High}
	}
	return []float64{c.Threshold}
}

// Parse parses text as a condition over st and checks that every threshold
// lies inside the sensor's domain.
func Parse(st SensorType, text string) (Condition, error) {
	g, ok := grammars[st]
	if !ok {
		return Condition{}, &ParseError{Sensor: st, Text: text, Err: ErrUnknownSensor}
	}

	c, err := parseSyntax(st, g, text)
	if err != nil {
		return Condition{}, &ParseError{Sensor: st, Text: text, Err: err}
	}
	if !IsWithinDomain(st, c) {
		return Condition{}, &ParseError{
			Sensor: st,
			Text:   text,
			Err:    fmt.Errorf("%w %s", ErrOutOfDomain, g.domain),
		}
	}
	return c, nil
}

// IsWithinDomain reports whether every literal of c lies inside the domain
// of st.
func IsWithinDomain(st SensorType, c Condition) bool {
	g, ok := grammars[st]
	if !ok {
		return false
	}
	for _, v := range c.Literals() {
		if !g.domain.Contains(v) {
			return false
		}
	}
	return true
}

// Evaluate reports whether value satisfies c. Range bounds are inclusive.
func Evaluate(c Condition, value float64) bool {
	switch c.Op {
	case AtMost:
		return value <= c.Threshold
	case AtLeast:
		return value >= c.Threshold
	case Between:
		return c.Low <= value && value <= c.High
	default:
		return false
	}
}

func parseSyntax(st SensorType, g grammar, text string) (Condition, error) {
	switch {
	case strings.HasPrefix(text, "<="):
		v, err := parseLiteral(text[2:], g.signed)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Sensor: st, Op: AtMost, Threshold: v}, nil

	case strings.HasPrefix(text, ">="):
		v, err := parseLiteral(text[2:], g.signed)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Sensor: st, Op: AtLeast, Threshold: v}, nil

	case g.signed:
		a, b, err := parseRange(text)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Sensor: st, Op: Between, Low: math.Min(a, b), High: math.Max(a, b)}, nil

	default:
		return Condition{}, fmt.Errorf("%w: expected <=N or >=N", ErrSyntax)
	}
}

// parseRange splits "A-B". The separator is the first '-' that follows the
// digits of A, so "-10--5" reads as A=-10, B=-5.
func parseRange(text string) (float64, float64, error) {
	i := 0
	if strings.HasPrefix(text, "-") {
		i = 1
	}
	for i < len(text) && (isDigit(text[i]) || text[i] == '.') {
		i++
	}
	if i >= len(text) || text[i] != '-' {
		return 0, 0, fmt.Errorf("%w: expected A-B range", ErrSyntax)
	}

	a, err := parseLiteral(text[:i], true)
	if err != nil {
		return 0, 0, err
	}
	b, err := parseLiteral(text[i+1:], true)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// parseLiteral accepts an optional minus (when signed), one or more digits
// and an optional fraction. Exponents, plus signs and whitespace are
// rejected.
func parseLiteral(s string, signed bool) (float64, error) {
	i := 0
	if signed && strings.HasPrefix(s, "-") {
		i = 1
	}

	start := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == start {
		return 0, fmt.Errorf("%w: %q is not a number", ErrSyntax, s)
	}

	if i < len(s) && s[i] == '.' {
		i++
		frac := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		if i == frac {
			return 0, fmt.Errorf("%w: %q is not a number", ErrSyntax, s)
		}
	}
	if i != len(s) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrSyntax, s)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return v, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
