package git

import (
	"errors"
	"fmt"
	"strings"
)

// OutcomeKind is the classified result of a pull
type OutcomeKind int

const (
	// OutcomeUpToDate means nothing had to be pulled
	OutcomeUpToDate OutcomeKind = iota
	// OutcomeSuccess means new commits were applied to the working copy
	OutcomeSuccess
	// OutcomeFailed means git ran but refused or could not apply the changes
	OutcomeFailed
)

// Phrases git prints on stdout for the two non-failure cases. Clients run git
// with LC_ALL=C so these are not translated.
const (
	upToDatePhrase = "Already up to date."
	updatingPhrase = "Updating"
)

// Outcome is the result of a pull. Detail holds the raw git output when Kind
// is OutcomeFailed.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
}

// String renders the outcome as it is returned in webhook responses
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeUpToDate:
		return "UpToDate"
	case OutcomeSuccess:
		return "Success"
	default:
		return "Failed: " + o.Detail
	}
}

// Classify maps the text git printed to an Outcome. The first matching rule
// wins and matching is case-sensitive.
func Classify(output string) Outcome {
	switch {
	case strings.Contains(output, upToDatePhrase):
		return Outcome{Kind: OutcomeUpToDate}
	case strings.Contains(output, updatingPhrase):
		return Outcome{Kind: OutcomeSuccess}
	default:
		return Outcome{Kind: OutcomeFailed, Detail: output}
	}
}

var errInvalidOutput = errors.New("output is not valid UTF-8")

// ExecutionError reports that the pull could not be run or its output could
// not be understood. A pull that ran and was refused by git is an
// OutcomeFailed instead.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
