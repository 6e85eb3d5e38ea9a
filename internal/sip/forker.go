package sip

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

var (
	errNoBranches       = errors.New("no far-side request could be sent")
	errTransactionEnded = errors.New("transaction ended without a final response")
)

// ForkResult describes the outcome of a fan-out.
type ForkResult struct {
	// Answered is true when a branch returned 2xx.
	Answered bool

	// Branch and Response are the winning branch and its 2xx.
	Branch   *forkBranch
	Response *sip.Response

	// Best is the failure response to relay when nothing answered, nil
	// if every branch failed without a SIP response.
	Best *sip.Response

	// Cancelled is true when the fan-out was aborted through its context.
	Cancelled bool

	// Err is the last transport error when no branch produced a response.
	Err error
}

// forkBranch is one far-side request.
type forkBranch struct {
	target b2bua.Target
	req    *sip.Request
	tx     sip.ClientTransaction
	authed bool
	done   bool
}

type branchResponse struct {
	branch *forkBranch
	tx     sip.ClientTransaction
	res    *sip.Response
	err    error
}

// forkPlan is what a single fan-out sends and how it reacts.
type forkPlan struct {
	callID  string
	targets []b2bua.Target
	late    <-chan b2bua.Target

	// build creates the request for one target.
	build func(b2bua.Target) *sip.Request

	auth          *b2bua.Credentials
	onSent        func(*sip.Request)
	onProvisional func(*sip.Response)
}

// Forker sends one request to several targets in parallel. The first 2xx
// wins and every other branch is cancelled.
type Forker struct {
	client *sipgo.Client
	logger *slog.Logger
}

// NewForker creates a forker that sends through client.
func NewForker(client *sipgo.Client, logger *slog.Logger) *Forker {
	return &Forker{
		client: client,
		logger: logger.With("subsystem", "forker"),
	}
}

// Fork runs the fan-out described by plan until a branch answers, every
// branch has failed or ctx is cancelled. Late targets are accepted only
// while at least one branch is still outstanding.
func (f *Forker) Fork(ctx context.Context, plan forkPlan) *ForkResult {
	forkCtx, forkCancel := context.WithCancel(ctx)
	defer forkCancel()

	responses := make(chan branchResponse, 16)
	var branches []*forkBranch
	pending := 0
	var lastErr error

	start := func(target b2bua.Target) {
		req := plan.build(target)
		tx, err := f.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
		if err != nil {
			f.logger.Error("failed to send far-side request",
				"call_id", plan.callID,
				"target", target.String(),
				"error", err,
			)
			lastErr = err
			return
		}
		if plan.onSent != nil {
			plan.onSent(req)
		}

		br := &forkBranch{target: target, req: req, tx: tx}
		branches = append(branches, br)
		pending++
		go collectResponses(forkCtx, br, tx, responses)
	}

	for _, t := range plan.targets {
		start(t)
	}
	if pending == 0 {
		if lastErr == nil {
			lastErr = errNoBranches
		}
		return &ForkResult{Err: lastErr}
	}

	f.logger.Info("forked request",
		"call_id", plan.callID,
		"branches", pending,
	)

	late := plan.late
	relayed := make(map[int]bool)
	var best *sip.Response

	for pending > 0 {
		select {
		case <-ctx.Done():
			f.cancelBranches(branches, nil)
			return &ForkResult{Cancelled: true}

		case t, ok := <-late:
			if !ok {
				late = nil
				continue
			}
			f.logger.Debug("adding late target", "call_id", plan.callID, "target", t.String())
			start(t)

		case r := <-responses:
			br := r.branch
			if r.tx != br.tx || br.done {
				continue
			}

			if r.err != nil {
				f.logger.Debug("branch failed",
					"call_id", plan.callID,
					"target", br.target.String(),
					"error", r.err,
				)
				br.done = true
				pending--
				lastErr = r.err
				continue
			}

			res := r.res
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == 100 || relayed[res.StatusCode] {
					continue
				}
				relayed[res.StatusCode] = true
				if plan.onProvisional != nil {
					plan.onProvisional(res)
				}

			case res.StatusCode < 300:
				br.done = true
				f.logger.Info("fork answered",
					"call_id", plan.callID,
					"target", br.target.String(),
					"status", res.StatusCode,
				)
				f.cancelBranches(branches, br)
				return &ForkResult{Answered: true, Branch: br, Response: res}

			case isChallenge(res) && plan.auth != nil && !br.authed:
				if err := f.authenticate(ctx, plan, br, res); err != nil {
					f.logger.Warn("digest retry failed",
						"call_id", plan.callID,
						"target", br.target.String(),
						"error", err,
					)
					br.done = true
					pending--
					best = betterFailure(best, res)
					continue
				}
				go collectResponses(forkCtx, br, br.tx, responses)

			default:
				f.logger.Debug("branch rejected",
					"call_id", plan.callID,
					"target", br.target.String(),
					"status", res.StatusCode,
					"reason", res.Reason,
				)
				br.done = true
				pending--
				best = betterFailure(best, res)
			}
		}
	}

	return &ForkResult{Best: best, Err: lastErr}
}

// authenticate re-sends a branch's request with digest credentials.
func (f *Forker) authenticate(ctx context.Context, plan forkPlan, br *forkBranch, res *sip.Response) error {
	authReq, err := authorizeRequest(br.req, res, plan.auth)
	if err != nil {
		return err
	}

	tx, err := f.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return err
	}
	if plan.onSent != nil {
		plan.onSent(authReq)
	}

	br.req = authReq
	br.tx = tx
	br.authed = true
	return nil
}

// collectResponses forwards a branch's responses until its final one.
func collectResponses(ctx context.Context, br *forkBranch, tx sip.ClientTransaction, ch chan<- branchResponse) {
	deliver := func(r branchResponse) bool {
		select {
		case ch <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-tx.Responses():
			if !ok {
				deliver(branchResponse{branch: br, tx: tx, err: errTransactionEnded})
				return
			}
			if !deliver(branchResponse{branch: br, tx: tx, res: res}) || res.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			err := tx.Err()
			if err == nil {
				err = errTransactionEnded
			}
			deliver(branchResponse{branch: br, tx: tx, err: err})
			return
		}
	}
}

// cancelBranches sends CANCEL on every outstanding branch except winner.
func (f *Forker) cancelBranches(branches []*forkBranch, winner *forkBranch) {
	for _, br := range branches {
		if br == winner || br.done {
			continue
		}
		br.done = true

		cancelTx, err := f.client.TransactionRequest(context.Background(), newCancelRequest(br.req), sipgo.ClientRequestBuild)
		if err != nil {
			f.logger.Debug("failed to send cancel",
				"target", br.target.String(),
				"error", err,
			)
			continue
		}
		go drain(cancelTx)
		go drain(br.tx)
	}
}

// drain consumes a transaction's remaining responses so it can complete.
func drain(tx sip.ClientTransaction) {
	for {
		select {
		case <-tx.Responses():
		case <-tx.Done():
			return
		}
	}
}

// newCancelRequest builds the CANCEL matching a sent INVITE. It reuses the
// INVITE's top Via so the far side can match the transaction.
func newCancelRequest(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(sip.HeaderClone(via))
	}
	for _, h := range invite.GetHeaders("Route") {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(sip.HeaderClone(from))
	}
	if to := invite.To(); to != nil {
		req.AppendHeader(sip.HeaderClone(to))
	}
	if cid := invite.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(invite.Transport())
	if dest := invite.Destination(); dest != "" {
		req.SetDestination(dest)
	}
	return req
}

// failureRank orders final failures for relaying: 6xx first, then the
// lowest class, with challenges ahead of other 4xx and 503 last among 5xx.
func failureRank(code int) int {
	switch {
	case code >= 600:
		return 0
	case code == 401 || code == 407:
		return 39
	case code == 503:
		return 59
	default:
		return (code / 100) * 10
	}
}

// betterFailure returns whichever of current and candidate should be
// relayed. Ties keep current.
func betterFailure(current, candidate *sip.Response) *sip.Response {
	if current == nil {
		return candidate
	}
	if failureRank(candidate.StatusCode) < failureRank(current.StatusCode) {
		return candidate
	}
	return current
}
