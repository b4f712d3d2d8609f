package frpc

import (
	"strings"
)

// Outcome is what a single line of frpc output says about startup
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	}
	return "none"
}

var successMarkers = []string{
	"start frpc success",
	"login to server success",
	"start proxy success",
	"frpc is running",
	"connected to server",
}

var failureMarkers = []string{
	"connect to server error",
	"login to server failed",
	"authentication failed",
	"authorization failed",
}

// Classify inspects one output line of the frpc process started for the
// proxy named proxyName. Failure markers take precedence.
func Classify(line, proxyName string) Outcome {
	l := strings.ToLower(line)
	name := strings.ToLower(proxyName)

	for _, m := range failureMarkers {
		if strings.Contains(l, m) {
			return OutcomeFailure
		}
	}
	if strings.Contains(l, "proxy name") && strings.Contains(l, "already in use") {
		return OutcomeFailure
	}
	if name != "" && strings.Contains(l, "["+name+"] start error") {
		return OutcomeFailure
	}

	for _, m := range successMarkers {
		if strings.Contains(l, m) {
			return OutcomeSuccess
		}
	}
	if name != "" {
		if strings.Contains(l, "proxy "+name+" started") ||
			strings.Contains(l, "proxy ["+name+"] start success") ||
			strings.Contains(l, "["+name+"] start proxy success") {
			return OutcomeSuccess
		}
	}
	return OutcomeNone
}
