package reporting

import (
	"context"
	"errors"
	"math"
	"time"

	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"

	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallSource lists call log rows; calllog.Repository satisfies it.
type CallSource interface {
	List(ctx context.Context, f calllog.Filter) ([]calllog.Entry, error)
}

// LedgerSource lists immutable billing entries.
type LedgerSource interface {
	ListTransactions(ctx context.Context, apiKeyID string, from, to time.Time) ([]billing.Transaction, error)
}

type Service struct {
	calls  CallSource
	ledger LedgerSource
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(calls CallSource, ledger LedgerSource) *Service {
	return &Service{calls: calls, ledger: ledger, clock: time.Now}
}

const pageSize = 500

// normalize fills a missing range with the last 30 days.
func (s *Service) normalize(req SummaryRequest) (SummaryRequest, error) {
	if req.APIKeyID == "" {
		return req, ErrInvalidRequest
	}
	if req.Range.To.IsZero() {
		req.Range.To = s.clock().UTC()
	}
	if req.Range.From.IsZero() {
		req.Range.From = req.Range.To.AddDate(0, 0, -30)
	}
	if !req.Range.To.After(req.Range.From) {
		return req, ErrInvalidRequest
	}
	return req, nil
}

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	req, err := s.normalize(req)
	if err != nil {
		return Summary{}, err
	}
	if s.calls == nil || s.ledger == nil {
		return Summary{}, errors.New("reporting: sources not configured")
	}

	calls, billed, err := s.callsSummary(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	spend, err := s.spendSummary(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	spend.BilledSeconds = billed
	return Summary{APIKeyID: req.APIKeyID, Range: req.Range, Calls: calls, Spend: spend}, nil
}

// callsSummary also returns the billed seconds recorded on the call rows.
func (s *Service) callsSummary(ctx context.Context, req SummaryRequest) (CallsSummary, int64, error) {
	var out CallsSummary
	var billed int64
	for offset := 0; ; offset += pageSize {
		rows, err := s.calls.List(ctx, calllog.Filter{
			APIKeyID: req.APIKeyID,
			From:     req.Range.From,
			To:       req.Range.To,
			Limit:    pageSize,
			Offset:   offset,
		})
		if err != nil {
			return CallsSummary{}, 0, err
		}
		for _, e := range rows {
			tally(&out, e)
			billed += e.BillSeconds
		}
		if len(rows) < pageSize {
			break
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / int64(out.TotalCalls)
		out.SuccessRate = math.Round(float64(out.CompletedCalls)/float64(out.TotalCalls)*10000) / 100
	}
	return out, billed, nil
}

func tally(out *CallsSummary, e calllog.Entry) {
	out.TotalCalls++
	out.TotalDurationSeconds += e.Duration
	if e.RecordingFilename != "" {
		out.RecordedCalls++
	}
	switch e.AMDStatus {
	case "HUMAN":
		out.HumanAnswered++
	case "MACHINE":
		out.MachineAnswer++
	}
	switch e.EndReason {
	case "busy":
		out.BusyCalls++
	case "rejected":
		out.RejectedCalls++
	}
	switch e.Status {
	case "completed":
		out.CompletedCalls++
	case "no-answer":
		out.NoAnswerCalls++
	case "failed":
		out.FailedCalls++
	case "ringing", "answered":
		out.ActiveCalls++
	}
}

func (s *Service) spendSummary(ctx context.Context, req SummaryRequest) (SpendSummary, error) {
	rows, err := s.ledger.ListTransactions(ctx, req.APIKeyID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}
	out := SpendSummary{TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for _, t := range rows {
		switch t.Type {
		case billing.TransactionTypeDebit:
			out.TotalDebit = out.TotalDebit.Add(t.Amount)
			if t.CallID != "" {
				out.BilledCalls++
			}
		case billing.TransactionTypeCredit:
			out.TotalCredit = out.TotalCredit.Add(t.Amount)
		}
	}
	out.NetDelta = out.TotalCredit.Sub(out.TotalDebit)
	return out, nil
}
