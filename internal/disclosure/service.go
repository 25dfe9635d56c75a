package disclosure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle of a disclosure request.
type State int

const (
	Pending State = iota
	Unlocked
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Unlocked:
		return "unlocked"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request is a snapshot of one disclosure request. Submitted partials are not exposed.
type Request struct {
	ID        string
	Target    string
	Roles     []string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
}

type request struct {
	Request
	parts  []Partial
	fields *Fields
}

// Service tracks disclosure requests, collects the holders' partial decryptions and unlocks
// single records. Key shares never reach the service.
type Service struct {
	vault   *Vault
	policy  Policy
	commits Commitments
	ttl     time.Duration
	now     func() time.Time
	log     logrus.FieldLogger

	mu       sync.Mutex
	requests map[string]*request
	seq      uint64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the audit logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a request service over vault. ttl bounds how long a request stays usable.
func NewService(vault *Vault, policy Policy, commits Commitments, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		vault:    vault,
		policy:   policy,
		commits:  commits,
		ttl:      ttl,
		now:      time.Now,
		log:      logrus.StandardLogger(),
		requests: make(map[string]*request),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts a request for the record of target.
func (s *Service) Open(target string) (Request, error) {
	if _, ok := s.vault.Record(target); !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now()
	r := &request{Request: Request{
		ID:        fmt.Sprintf("dr-%06d", s.seq),
		Target:    target,
		State:     Pending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}}
	s.requests[r.ID] = r
	s.log.WithFields(logrus.Fields{"request": r.ID, "target": target, "expires_at": r.ExpiresAt}).Info("disclosure request opened")
	return r.snapshot(), nil
}

// Get returns a snapshot of request id.
func (s *Service) Get(id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	s.expireLocked(r, s.now())
	return r.snapshot(), nil
}

// Record returns the sealed record a live request targets. Holders compute their partials
// over it.
func (s *Service) Record(id string) (Record, error) {
	s.mu.Lock()
	r, err := s.liveLocked(id)
	s.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	rec, ok := s.vault.Record(r.Target)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownTarget, r.Target)
	}
	return rec, nil
}

// SubmitShare adds a holder's partial decryption to a pending request. A partial computed for
// another record, or failing its proof, is refused with an InvalidShare error.
func (s *Service) SubmitShare(id string, part Partial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	if r.State != Pending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, r.State)
	}
	rec, ok := s.vault.Record(r.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, r.Target)
	}
	if !s.commits.VerifyPartial(part, rec) {
		s.log.WithFields(logrus.Fields{"request": id, "role": part.Role, "tx_id": part.TxID}).Warn("disclosure partial refused")
		return reconstructionError(InvalidShare, "%s partial does not verify for %s", part.Role, r.Target)
	}
	r.parts = append(r.parts, part)
	r.Roles = append(r.Roles, part.Role)
	s.log.WithFields(logrus.Fields{"request": id, "role": part.Role}).Info("disclosure share submitted")
	return nil
}

// Unlock combines the submitted partials into the key of the target record and decrypts it.
// Once unlocked, the fields remain readable through Unlock until the request expires.
func (s *Service) Unlock(id string) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.liveLocked(id)
	if err != nil {
		return Fields{}, err
	}
	if r.State == Unlocked {
		return *r.fields, nil
	}
	rec, ok := s.vault.Record(r.Target)
	if !ok {
		return Fields{}, fmt.Errorf("%w: %s", ErrUnknownTarget, r.Target)
	}
	key, err := Combine(r.parts, s.policy, s.commits, rec)
	if err != nil {
		s.log.WithFields(logrus.Fields{"request": id, "roles": r.Roles}).WithError(err).Warn("disclosure unlock refused")
		return Fields{}, err
	}
	f, err := rec.OpenWith(key)
	if err != nil {
		return Fields{}, err
	}
	r.State = Unlocked
	r.fields = &f
	r.parts = nil
	s.log.WithFields(logrus.Fields{"request": id, "target": r.Target, "roles": r.Roles}).Info("disclosure request unlocked")
	return f, nil
}

// Sweep expires every request past its deadline and returns how many it expired.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, r := range s.requests {
		if s.expireLocked(r, now) {
			n++
		}
	}
	return n
}

// Run sweeps expired requests every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.WithField("expired", n).Debug("disclosure sweep")
			}
		}
	}
}

func (s *Service) liveLocked(id string) (*request, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if s.expireLocked(r, s.now()) || r.State == Expired {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return r, nil
}

// expireLocked moves r to Expired if its deadline passed and wipes what it collected.
func (s *Service) expireLocked(r *request, now time.Time) bool {
	if r.State == Expired || now.Before(r.ExpiresAt) {
		return false
	}
	r.State = Expired
	r.parts = nil
	r.fields = nil
	s.log.WithField("request", r.ID).Info("disclosure request expired")
	return true
}

func (r *request) snapshot() Request {
	out := r.Request
	out.Roles = append([]string(nil), r.Roles...)
	return out
}
