// Package triage runs the message-to-task pipeline: capacity snapshot,
// proposal extraction, a gated approval step, atomic commit, and fan-out of
// the outcome.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsdesk/app/core/scoring"
	"opsdesk/app/core/store"
	"opsdesk/app/pkg/types"
)

var (
	// ErrMissingCustomer signals "customer selection required": the caller
	// should prompt for a customer, this is not a generic failure.
	ErrMissingCustomer = errors.New("customer selection required")
	// ErrProposalNotFound covers unknown, expired, and already-consumed
	// approval tokens.
	ErrProposalNotFound = errors.New("pending proposal not found")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNoCandidates     = errors.New("no assignable team member")
)

// SnapshotProvider reads the roster capacity snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, memberLimit int) (types.WorkloadSnapshot, error)
}

// Committer executes the atomic task commit transaction.
type Committer interface {
	CommitTask(ctx context.Context, req store.CommitRequest) (types.Task, types.Activity, error)
}

// Publisher fans committed results out to live subscribers. An empty target
// broadcasts to everyone.
type Publisher interface {
	Publish(event string, payload interface{}, targetRecipientID string)
}

const (
	EventTaskCreated     = "task.created"
	EventTaskUpdated     = "task.updated"
	EventActivityCreated = "activity.created"
)

type Options struct {
	SnapshotTimeout   time.Duration
	CompletionTimeout time.Duration
	CommitTimeout     time.Duration
	SnapshotMembers   int
	AutoApprove       bool
	PendingTTL        time.Duration
}

func (o *Options) applyDefaults() {
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 5 * time.Second
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = 45 * time.Second
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 10 * time.Second
	}
	if o.SnapshotMembers <= 0 {
		o.SnapshotMembers = 50
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = time.Hour
	}
}

// Service owns the triage pipeline. Each Submit runs an independent state
// machine instance; pending proposals are held in memory only and are lost
// on restart (callers re-submit).
type Service struct {
	snapshots SnapshotProvider
	extractor *Extractor
	committer Committer
	inferrer  scoring.Inferrer
	publisher Publisher
	log       *zap.Logger

	mu      sync.Mutex
	opts    Options
	pending map[string]*run
}

func NewService(snapshots SnapshotProvider, extractor *Extractor, committer Committer, publisher Publisher, log *zap.Logger, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		snapshots: snapshots,
		extractor: extractor,
		committer: committer,
		inferrer:  scoring.NewKeywordInferrer(),
		publisher: publisher,
		log:       log,
		opts:      opts,
		pending:   make(map[string]*run),
	}
}

// SetInferrer swaps the skill inference rule set. The scorer itself is
// untouched.
func (s *Service) SetInferrer(inferrer scoring.Inferrer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferrer = inferrer
}

func (s *Service) SetOptions(opts Options) {
	opts.applyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

func (s *Service) getOptions() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Outcome is the structured result of one Submit.
type Outcome struct {
	State           State           `json:"state"`
	Token           string          `json:"token,omitempty"`
	Proposal        *types.Proposal `json:"proposal,omitempty"`
	Analysis        string          `json:"analysis,omitempty"`
	CompletionError string          `json:"completion_error,omitempty"`
	Task            *types.Task     `json:"task,omitempty"`
}

// Submit starts a triage run. The returned outcome is always structured:
// extraction failures degrade to NO_PROPOSAL, storage failures abort the run.
func (s *Service) Submit(ctx context.Context, message, requesterID, customerID string) (Outcome, error) {
	message = strings.TrimSpace(message)
	requesterID = strings.TrimSpace(requesterID)
	customerID = strings.TrimSpace(customerID)
	if message == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if requesterID == "" {
		return Outcome{}, fmt.Errorf("%w: requester id is blank", store.ErrInvalidIdentifier)
	}

	opts := s.getOptions()
	s.prune(opts.PendingTTL)

	machine := &run{
		token:       "prop-" + uuid.NewString(),
		state:       StateIdle,
		requesterID: requesterID,
		customerID:  customerID,
		createdAt:   time.Now(),
	}

	if err := machine.advance(StateSnapshot); err != nil {
		return Outcome{}, err
	}
	snapCtx, cancelSnap := context.WithTimeout(ctx, opts.SnapshotTimeout)
	snapshot, err := s.snapshots.Snapshot(snapCtx, opts.SnapshotMembers)
	cancelSnap()
	if err != nil {
		// No partial snapshot: storage failure is fatal for this run.
		return Outcome{}, err
	}
	machine.snapshot = snapshot

	if err := machine.advance(StateAnalyze); err != nil {
		return Outcome{}, err
	}
	extractCtx, cancelExtract := context.WithTimeout(ctx, opts.CompletionTimeout)
	proposal, rawReply, err := s.extractor.Extract(extractCtx, message, snapshot, time.Now())
	cancelExtract()
	if err != nil {
		s.log.Warn("proposal extraction failed", zap.Error(err))
		if advErr := machine.advance(StateNoProposal); advErr != nil {
			return Outcome{}, advErr
		}
		return Outcome{State: StateNoProposal, CompletionError: err.Error()}, nil
	}
	if proposal == nil {
		if err := machine.advance(StateNoProposal); err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateNoProposal, Analysis: rawReply}, nil
	}
	machine.proposal = *proposal

	// AWAITING_APPROVAL requires a resolvable customer: an explicit id, or a
	// name hint the commit step may resolve with opt-in auto-creation.
	if customerID == "" && proposal.CustomerHint == "" {
		if err := machine.advance(StateCustomerRequired); err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateCustomerRequired, Proposal: proposal, Analysis: rawReply}, nil
	}

	if err := machine.advance(StateAwaitingApproval); err != nil {
		return Outcome{}, err
	}

	if opts.AutoApprove {
		task, err := s.commitRun(ctx, machine, requesterID, customerID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateCommitted, Proposal: proposal, Analysis: rawReply, Task: &task}, nil
	}

	s.mu.Lock()
	s.pending[machine.token] = machine
	s.mu.Unlock()
	s.log.Info("proposal awaiting approval",
		zap.String("token", machine.token),
		zap.String("task_name", proposal.TaskName),
		zap.String("requester", requesterID))
	return Outcome{State: StateAwaitingApproval, Token: machine.token, Proposal: proposal, Analysis: rawReply}, nil
}

// Approve consumes a pending proposal and executes the commit. A token
// already consumed by a prior approve or reject yields ErrProposalNotFound
// and never creates a second task.
func (s *Service) Approve(ctx context.Context, token, requesterID, customerID string) (types.Task, error) {
	token = strings.TrimSpace(token)
	requesterID = strings.TrimSpace(requesterID)
	customerID = strings.TrimSpace(customerID)
	if requesterID == "" {
		return types.Task{}, fmt.Errorf("%w: requester id is blank", store.ErrInvalidIdentifier)
	}

	opts := s.getOptions()
	s.prune(opts.PendingTTL)

	s.mu.Lock()
	machine, ok := s.pending[token]
	if !ok {
		s.mu.Unlock()
		return types.Task{}, fmt.Errorf("%w: %s", ErrProposalNotFound, token)
	}
	if customerID == "" && machine.customerID == "" && machine.proposal.CustomerHint == "" {
		// Token stays pending so the caller can retry with a customer.
		s.mu.Unlock()
		return types.Task{}, ErrMissingCustomer
	}
	// Consume under the lock: concurrent approvals of the same token race
	// for this delete and exactly one proceeds.
	delete(s.pending, token)
	s.mu.Unlock()

	task, err := s.commitRun(ctx, machine, requesterID, customerID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidIdentifier) || errors.Is(err, ErrMissingCustomer) ||
			errors.Is(err, store.ErrAssigneeNotFound) || errors.Is(err, store.ErrCustomerNotFound) ||
			errors.Is(err, store.ErrStorageUnavailable) || errors.Is(err, store.ErrStorageTimeout) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoCandidates) {
			// Commit did not happen; restore the token so the caller may fix
			// the input and retry.
			s.mu.Lock()
			s.pending[token] = machine
			s.mu.Unlock()
		}
		return types.Task{}, err
	}
	return task, nil
}

// Reject discards a pending proposal without any storage mutation.
func (s *Service) Reject(token string) error {
	token = strings.TrimSpace(token)
	s.mu.Lock()
	machine, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, token)
	}
	_ = machine.advance(StateRejected)
	s.log.Info("proposal rejected", zap.String("token", token))
	return nil
}

// Recommend exposes the scorer directly: rank candidates for a task
// description, inferring required skills when none are given.
func (s *Service) Recommend(ctx context.Context, taskDescription string, requiredSkills []string) (scoring.Recommendation, error) {
	opts := s.getOptions()
	snapCtx, cancel := context.WithTimeout(ctx, opts.SnapshotTimeout)
	defer cancel()
	snapshot, err := s.snapshots.Snapshot(snapCtx, opts.SnapshotMembers)
	if err != nil {
		return scoring.Recommendation{}, err
	}
	if len(requiredSkills) == 0 {
		requiredSkills = s.infer(taskDescription)
	}
	rec, ok := scoring.Recommend(requiredSkills, snapshot)
	if !ok {
		return scoring.Recommendation{}, ErrNoCandidates
	}
	return rec, nil
}

// PendingCount reports the number of proposals awaiting approval.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) infer(text string) []string {
	s.mu.Lock()
	inferrer := s.inferrer
	s.mu.Unlock()
	return inferrer.Infer(text)
}

func (s *Service) commitRun(ctx context.Context, machine *run, requesterID, customerID string) (types.Task, error) {
	proposal := machine.proposal

	assigneeID := proposal.SuggestedAssignee
	if assigneeID == "" {
		// Scored here, not earlier, against the run's original snapshot.
		required := s.infer(proposal.TaskName + " " + proposal.TaskDescription)
		rec, ok := scoring.Recommend(required, machine.snapshot)
		if !ok {
			return types.Task{}, ErrNoCandidates
		}
		assigneeID = rec.Best.CandidateID
		s.log.Info("assignee scored",
			zap.String("candidate", rec.Best.CandidateID),
			zap.Int("final_score", rec.Best.FinalScore),
			zap.Strings("required_skills", required))
	}

	req := store.CommitRequest{
		Title:       proposal.TaskName,
		Description: proposal.TaskDescription,
		AssigneeID:  assigneeID,
		RequesterID: requesterID,
		DueDateRaw:  proposal.DueDateRaw,
		Tags:        proposal.Tags,
	}
	switch {
	case customerID != "":
		req.CustomerID = customerID
	case machine.customerID != "":
		req.CustomerID = machine.customerID
	case proposal.CustomerHint != "":
		req.CustomerID = proposal.CustomerHint
		req.ResolveCustomerByName = true
	default:
		return types.Task{}, ErrMissingCustomer
	}

	opts := s.getOptions()
	commitCtx, cancel := context.WithTimeout(ctx, opts.CommitTimeout)
	defer cancel()
	task, activity, err := s.committer.CommitTask(commitCtx, req)
	if err != nil {
		return types.Task{}, err
	}
	if err := machine.advance(StateCommitted); err != nil {
		s.log.Warn("state bookkeeping error after commit", zap.Error(err))
	}

	if s.publisher != nil {
		// Delivery failures never affect the transaction that produced the
		// event; the broadcaster isolates them per subscriber.
		s.publisher.Publish(EventTaskCreated, task, "")
		s.publisher.Publish(EventActivityCreated, activity, "")
	}
	s.log.Info("task committed",
		zap.String("task_id", task.ID),
		zap.String("assignee", task.AssigneeID),
		zap.String("customer", task.CustomerID))
	return task, nil
}

func (s *Service) prune(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, machine := range s.pending {
		if machine.expired(ttl) {
			delete(s.pending, token)
		}
	}
}
