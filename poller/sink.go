package poller

import (
	"context"
	"errors"

	"binedge/protocol"
)

// ReportSink receives periodic reports.
type ReportSink interface {
	Report(ctx context.Context, m protocol.Measurement) error
}

// ReplySink receives correlated replies to forced updates.
type ReplySink interface {
	Reply(ctx context.Context, nodeID string, r protocol.UpdateResponse) error
}

// ReportSinks fans a report out to every sink and joins their errors.
func ReportSinks(sinks ...ReportSink) ReportSink {
	return fanout(sinks)
}

type fanout []ReportSink

func (f fanout) Report(ctx context.Context, m protocol.Measurement) error {
	var errs []error
	for _, s := range f {
		if err := s.Report(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewReply shapes the correlated reply for a forced poll.
func NewReply(replyID int64, o Outcome) protocol.UpdateResponse {
	r := protocol.UpdateResponse{ReqID: replyID, Value: o.Value}
	if o.Kind == OutcomeSuccess {
		r.Status = protocol.StatusOK
		return r
	}
	r.Status = protocol.StatusError
	r.Error = o.Reason
	return r
}
