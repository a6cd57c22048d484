package checker

import (
	"fmt"
	"time"
)

// Reason classifies the outcome of a probe.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonUnwantedExtension Reason = "unwanted_extension"
	ReasonInvalidURL        Reason = "invalid_url"
	ReasonNetwork           Reason = "network"
	ReasonTimeout           Reason = "timeout"
	ReasonStatus            Reason = "status"
	ReasonHTML              Reason = "html"
	ReasonCanceled          Reason = "canceled"
)

// Retryable reports whether another attempt could change the outcome.
// Semantic failures (HTML page, unwanted extension, bad URL) are final.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonNetwork, ReasonTimeout, ReasonStatus:
		return true
	}
	return false
}

// Result is the typed outcome of a liveness check. It is never an error:
// failures carry a Reason and, for transport failures, the underlying Err.
type Result struct {
	URL     string        `json:"url"`
	Live    bool          `json:"live"`
	Attempt int           `json:"attempt"`
	Status  int           `json:"status,omitempty"`
	Reason  Reason        `json:"reason"`
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

func (r Result) String() string {
	state := "dead"
	if r.Live {
		state = "live"
	}
	s := fmt.Sprintf("%s %s reason=%s attempt=%d", state, r.URL, r.Reason, r.Attempt)
	if r.Status != 0 {
		s += fmt.Sprintf(" status=%d", r.Status)
	}
	if r.Err != nil {
		s += fmt.Sprintf(" err=%v", r.Err)
	}
	return s
}
