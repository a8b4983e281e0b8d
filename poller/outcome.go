package poller

import "fmt"

// OutcomeKind classifies one request/response exchange.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// ReasonTimedOut is the reply error text for a Timeout outcome.
const ReasonTimedOut = "timed out"

// Outcome is the classified result of a poll. Value is meaningful for
// Success and Failure; Reason is set for Failure and Timeout.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Value  int         `json:"value"`
	Reason string      `json:"reason,omitempty"`
}

// Success builds a successful outcome.
func Success(value int) Outcome { return Outcome{Kind: OutcomeSuccess, Value: value} }

// Failure builds an outcome for a reading below the health threshold.
func Failure(value int, reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Value: value, Reason: reason}
}

// Timeout builds an outcome for a node that did not answer.
func Timeout() Outcome { return Outcome{Kind: OutcomeTimeout, Reason: ReasonTimedOut} }

// Classifier maps a raw status byte to an Outcome. Sentinel values are
// device protocol details, so they come from configuration.
type Classifier struct {
	// MinValue is the lowest reading counted as a success.
	MinValue int
	// FailureValues maps sentinel readings to a failure description.
	FailureValues map[int]string
	// TimeoutValues are readings meaning the sensor itself timed out.
	TimeoutValues []int
}

// Classify maps a transport result to an Outcome. Any transport error is a
// Timeout.
func (c Classifier) Classify(raw byte, err error) Outcome {
	if err != nil {
		return Timeout()
	}
	v := int(raw)
	for _, tv := range c.TimeoutValues {
		if v == tv {
			return Timeout()
		}
	}
	if reason, ok := c.FailureValues[v]; ok {
		return Failure(v, reason)
	}
	if v < c.MinValue {
		return Failure(v, "invalid reading")
	}
	return Success(v)
}
