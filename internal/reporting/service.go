package reporting

import (
	"context"
	"errors"

	"whatsapp-calling/internal/calls"
	"whatsapp-calling/internal/quality"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Implementations must enforce account filtering.
// - Call records are never deleted, so summaries over a closed range are stable.
type Repository interface {
	List(ctx context.Context, f calls.Filter) ([]calls.CallRecord, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.AccountID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	dir := calls.Direction(req.Direction)
	if dir != "" && dir != calls.DirectionInbound && dir != calls.DirectionOutbound {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, calls.Filter{
		AccountID:   req.AccountID,
		Direction:   dir,
		StartedFrom: req.Range.From,
		StartedTo:   req.Range.To,
	})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{AccountID: req.AccountID, Direction: req.Direction, Range: req.Range}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		switch c.Direction {
		case calls.DirectionInbound:
			out.InboundCalls++
		case calls.DirectionOutbound:
			out.OutboundCalls++
		}
		if c.CallbackSent {
			out.CallbacksSent++
		}
		switch c.Outcome {
		case calls.OutcomeConnected:
			out.ConnectedCalls++
		case calls.OutcomeMissed:
			out.MissedCalls++
			if c.CallbackCompleted {
				out.MissedHandled++
			} else {
				out.MissedUnhandled++
			}
		case calls.OutcomeRejected:
			out.RejectedCalls++
		case calls.OutcomeFailed:
			out.FailedCalls++
		case calls.OutcomePending:
			out.PendingCalls++
		}
	}
	if out.ConnectedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.ConnectedCalls
	}

	// Pickup rate shares the scorer's arithmetic; pending calls are excluded.
	rate := quality.PickupRate(quality.Metric{
		TotalCalls:     out.TotalCalls - out.PendingCalls,
		ConnectedCalls: out.ConnectedCalls,
	})
	out.PickupRate = rate.StringFixed(2)
	return out, nil
}
