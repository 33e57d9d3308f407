package atcmd

import (
	"regexp"
	"strings"
)

// Pattern decides whether accumulated response text contains a terminal
// token. Matching rules are centralized here so they can be tested without
// a transport.
type Pattern interface {
	Match(buf string) bool
	String() string
}

type literal string

func (l literal) Match(buf string) bool { return strings.Contains(buf, string(l)) }
func (l literal) String() string        { return string(l) }

// Literal matches when the response contains the given substring, e.g.
// "OK" or "+CREG: 0,1".
func Literal(s string) Pattern { return literal(s) }

type anyOf []Pattern

func (a anyOf) Match(buf string) bool {
	for _, p := range a {
		if p.Match(buf) {
			return true
		}
	}
	return false
}

func (a anyOf) String() string {
	parts := make([]string, 0, len(a))
	for _, p := range a {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, "|")
}

// AnyOf matches when any of the given patterns matches.
func AnyOf(patterns ...Pattern) Pattern { return anyOf(patterns) }

type regexpPattern struct {
	re *regexp.Regexp
}

func (p regexpPattern) Match(buf string) bool { return p.re.MatchString(buf) }
func (p regexpPattern) String() string        { return p.re.String() }

// Regexp matches when the response contains a match for re. Use it for
// tokens that carry fields, such as "+HTTPACTION: 1,200,0": a literal
// prefix would terminate the wait before the fields finish arriving when
// the line is split across reads.
func Regexp(re *regexp.Regexp) Pattern { return regexpPattern{re: re} }

// OK matches the standard success token.
var OK = Literal("OK")

// Prompt matches the data-entry prompt the modem emits before accepting a
// payload body (SMS text or HTTP data).
var Prompt = Literal(">")
