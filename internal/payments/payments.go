// Package payments tracks x402 payment requests: escrow intents that gate a
// paid action until an on-chain receipt proves the transfer happened.
//
//	pending --verify--> verified
//	pending --cancel--> (deleted)
//	pending --expiresAt passes--> expired
//
// Expiry is applied lazily on every read; the sweeper only bounds memory.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/babylonmarket/a2a/internal/idgen"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/traces"
	"github.com/babylonmarket/a2a/internal/validation"
)

var (
	ErrNotFound           = errors.New("payment request not found")
	ErrInvalidAmount      = errors.New("amount must be a non-negative integer string")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrVerificationFailed = errors.New("payment verification failed")
	ErrReceiptReused      = errors.New("transaction already settled another request")
)

// Status of a payment request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

const (
	DefaultTimeout   = 15 * time.Minute
	DefaultRetention = time.Hour
)

// Request is one payment request. Amount is a base-10 integer in the
// token's smallest unit.
type Request struct {
	ID          string         `json:"requestId"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Amount      string         `json:"amount"`
	Purpose     string         `json:"purpose"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RequestedBy string         `json:"requestedBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	Status      Status         `json:"status"`
	TxHash      string         `json:"txHash,omitempty"`
	VerifiedAt  *time.Time     `json:"verifiedAt,omitempty"`
}

func (r *Request) clone() *Request {
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		out.VerifiedAt = &t
	}
	return &out
}

// lapsed reports whether a pending request is past its deadline.
func (r *Request) lapsed(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// CreateInput is the input to Create.
type CreateInput struct {
	From        string
	To          string
	Amount      string
	Purpose     string
	Metadata    map[string]any
	RequestedBy string
}

// Proof is what an agent presents to settle a request.
type Proof struct {
	TxHash string
}

// ReceiptVerifier checks a transfer on chain.
type ReceiptVerifier interface {
	VerifyOnChainReceipt(ctx context.Context, txHash, expectedAmount, expectedRecipient string) (bool, error)
}

// Config tunes request lifetimes.
type Config struct {
	// Timeout is how long a request stays payable.
	Timeout time.Duration
	// Retention is how long settled or expired records are kept after they
	// stop being pending.
	Retention time.Duration
}

// Stats are counts classified against the clock at call time.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Verified int `json:"verified"`
	Expired  int `json:"expired"`
}

// Manager owns the payment requests.
type Manager struct {
	cfg      Config
	verifier ReceiptVerifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	requests map[string]*Request
	settled  map[string]string // txHash -> request id
}

// NewManager creates a manager.
func NewManager(cfg Config, verifier ReceiptVerifier, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Manager{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
		requests: make(map[string]*Request),
		settled:  make(map[string]string),
	}
}

// Create stores a new pending request.
func (m *Manager) Create(in CreateInput) (*Request, error) {
	if !validation.IsValidUintString(in.Amount) {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidEthAddress(in.From) {
		return nil, fmt.Errorf("%w: from", ErrInvalidAddress)
	}
	if !validation.IsValidEthAddress(in.To) {
		return nil, fmt.Errorf("%w: to", ErrInvalidAddress)
	}

	now := m.now()
	req := &Request{
		From:        validation.SanitizeAddress(in.From),
		To:          validation.SanitizeAddress(in.To),
		Amount:      in.Amount,
		Purpose:     in.Purpose,
		Metadata:    in.Metadata,
		RequestedBy: in.RequestedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.Timeout),
		Status:      StatusPending,
	}

	m.mu.Lock()
	for {
		req.ID = idgen.WithPrefix("x402_")
		if _, taken := m.requests[req.ID]; !taken {
			break
		}
	}
	m.requests[req.ID] = req
	out := req.clone()
	m.mu.Unlock()

	metrics.PaymentRequestsTotal.WithLabelValues(string(StatusPending)).Inc()
	m.logger.Info("payment request created",
		"request_id", out.ID, "from", out.From, "to", out.To, "amount", out.Amount, "purpose", out.Purpose)
	return out, nil
}

// Get returns the request unless it is missing, cancelled, or expired.
func (m *Manager) Get(id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	return req.clone(), nil
}

// live looks up a readable record. Callers hold m.mu.
func (m *Manager) live(id string) (*Request, bool) {
	req, ok := m.requests[id]
	if !ok || req.Status == StatusExpired || req.lapsed(m.now()) {
		return nil, false
	}
	return req, true
}

// Verify settles a request with an on-chain receipt. Verifying an already
// verified request returns it unchanged. A failed verification leaves the
// request pending.
func (m *Manager) Verify(ctx context.Context, id string, proof Proof) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Verify", traces.PaymentID(id))
	defer span.End()

	m.mu.RLock()
	req, ok := m.live(id)
	var snapshot *Request
	if ok {
		snapshot = req.clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if snapshot.Status == StatusVerified {
		return snapshot, nil
	}
	span.SetAttributes(traces.Amount(snapshot.Amount))

	if owner, used := m.settledBy(proof.TxHash); used && owner != id {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, ErrReceiptReused)
	}

	valid, err := m.verifier.VerifyOnChainReceipt(ctx, proof.TxHash, snapshot.Amount, snapshot.To)
	if err != nil {
		traces.Fail(span, err)
		m.logger.Warn("payment receipt check failed", "request_id", id, "tx_hash", proof.TxHash, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: receipt does not match request", ErrVerificationFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok = m.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status == StatusVerified {
		return req.clone(), nil
	}
	if owner, used := m.settled[proof.TxHash]; used && owner != id {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, ErrReceiptReused)
	}
	now := m.now()
	req.Status = StatusVerified
	req.TxHash = proof.TxHash
	req.VerifiedAt = &now
	m.settled[proof.TxHash] = id

	metrics.PaymentRequestsTotal.WithLabelValues(string(StatusVerified)).Inc()
	m.logger.Info("payment verified", "request_id", id, "tx_hash", proof.TxHash)
	return req.clone(), nil
}

func (m *Manager) settledBy(txHash string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.settled[txHash]
	return id, ok
}

// Cancel deletes a pending request. It returns false when the request is
// missing or no longer pending.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.live(id)
	if !ok || req.Status != StatusPending {
		return false
	}
	delete(m.requests, id)
	metrics.PaymentRequestsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return true
}

// Statistics classifies every stored record against the current clock.
func (m *Manager) Statistics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var s Stats
	for _, req := range m.requests {
		s.Total++
		switch {
		case req.Status == StatusVerified:
			s.Verified++
		case req.Status == StatusExpired || req.lapsed(now):
			s.Expired++
		default:
			s.Pending++
		}
	}
	return s
}

// Sweep marks lapsed requests expired and drops records that left the
// pending state more than Retention ago. It returns how many records
// changed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-m.cfg.Retention)
	changed := 0
	for id, req := range m.requests {
		switch {
		case req.lapsed(now):
			req.Status = StatusExpired
			metrics.PaymentRequestsTotal.WithLabelValues(string(StatusExpired)).Inc()
			changed++
		case req.Status == StatusExpired && req.ExpiresAt.Before(cutoff):
			delete(m.requests, id)
			changed++
		case req.Status == StatusVerified && req.VerifiedAt != nil && req.VerifiedAt.Before(cutoff):
			delete(m.requests, id)
			delete(m.settled, req.TxHash)
			changed++
		}
	}
	return changed
}

// Len returns the number of stored records, including expired ones not yet
// dropped.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}
