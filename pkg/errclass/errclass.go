// Package errclass maps failure messages onto a small retry-oriented taxonomy.
package errclass

import (
	"regexp"
	"strings"
)

// Category names a class of failure.
type Category string

const (
	RateLimit Category = "rate_limit"
	Server    Category = "server"
	Auth      Category = "auth"
	Network   Category = "network"
	Client    Category = "client"
	Unknown   Category = "unknown"
)

// Result is the outcome of classifying one error.
type Result struct {
	Category  Category
	Retryable bool
}

type rule struct {
	pattern   *regexp.Regexp
	category  Category
	retryable bool
}

// status matches a numeric status code only where one is reported: at the start
// of the message or after "status"/"http". Bare numbers elsewhere in upstream text,
// such as a message index or a token limit, are not codes.
const status = `(?:^|status:?\s*|http\s*)`

// rules are evaluated in order and the first match wins. Auth sits ahead of client
// so "invalid auth token" is an auth failure rather than a malformed request.
var rules = []rule{
	{regexp.MustCompile(status + `429\b|rate[ _-]?limit|too many requests`), RateLimit, true},
	{regexp.MustCompile(status + `5\d\d\b|server error|internal error|bad gateway|service unavailable|gateway timeout|overloaded`), Server, true},
	{regexp.MustCompile(status + `40[13]\b|unauthori[sz]ed|forbidden|invalid.*(auth|key|token)`), Auth, false},
	{regexp.MustCompile(`network|timeout|timed out|abort|econnrefused|connection refused|connection reset|failed to fetch|no such host|unexpected eof`), Network, true},
	{regexp.MustCompile(status + `400\b|invalid|malformed|bad request`), Client, false},
}

// ClassifyMessage classifies a raw error message.
func ClassifyMessage(msg string) Result {
	msg = strings.ToLower(msg)
	for _, r := range rules {
		if r.pattern.MatchString(msg) {
			return Result{Category: r.category, Retryable: r.retryable}
		}
	}
	return Result{Category: Unknown}
}

// Classify classifies err by its message. A nil error is Unknown and not retryable.
func Classify(err error) Result {
	if err == nil {
		return Result{Category: Unknown}
	}
	return ClassifyMessage(err.Error())
}
