package coord

import (
	"fmt"
	"time"
)

const lockTTLFloor = 30 * time.Second

// Lock is one resource lease. A lock past expires_at is logically absent.
type Lock struct {
	Resource   string     `json:"resource"`
	Owner      string     `json:"owner"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RenewedAt  *time.Time `json:"renewed_at,omitempty"`
}

type lockState struct {
	Locks map[string]*Lock `json:"locks"`
}

func (st *lockState) init() {
	if st.Locks == nil {
		st.Locks = map[string]*Lock{}
	}
}

const lockFile = "agent_locks.json"

// evictExpired removes logically absent locks. Caller holds the mutex.
func (st *lockState) evictExpired(now time.Time) int {
	evicted := 0
	for resource, l := range st.Locks {
		if l.ExpiresAt.Before(now) {
			delete(st.Locks, resource)
			evicted++
		}
	}
	return evicted
}

// AcquireResult reports an acquire attempt.
type AcquireResult struct {
	OK      bool   `json:"ok"`
	Lock    *Lock  `json:"lock,omitempty"`
	Holder  string `json:"holder,omitempty"`
	Renewed bool   `json:"renewed,omitempty"`
}

// AcquireLock takes or renews a lease. A same-owner acquire extends
// expires_at to now + max(30s, ttl); a different live holder wins.
func (s *Store) AcquireLock(resource, owner string, ttl time.Duration) (*AcquireResult, error) {
	if resource == "" || owner == "" {
		return nil, fmt.Errorf("resource and owner are required")
	}
	if ttl < lockTTLFloor {
		ttl = lockTTLFloor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st lockState
	if err := s.loadFile(lockFile, &st); err != nil {
		return nil, err
	}
	st.init()

	now := time.Now().UTC()
	st.evictExpired(now)

	if existing, ok := st.Locks[resource]; ok {
		if existing.Owner != owner {
			return &AcquireResult{OK: false, Holder: existing.Owner}, nil
		}
		existing.ExpiresAt = now.Add(ttl)
		existing.RenewedAt = &now
		if err := s.saveFile(lockFile, &st); err != nil {
			return nil, err
		}
		copied := *existing
		return &AcquireResult{OK: true, Lock: &copied, Renewed: true}, nil
	}

	l := &Lock{
		Resource:   resource,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	st.Locks[resource] = l
	if err := s.saveFile(lockFile, &st); err != nil {
		return nil, err
	}
	s.publish("locks", "acquire")
	copied := *l
	return &AcquireResult{OK: true, Lock: &copied}, nil
}

// ReleaseLock releases a lease held by owner. Releasing an absent lock is
// not an error; releasing someone else's is.
func (s *Store) ReleaseLock(resource, owner string) (bool, error) {
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st lockState
	if err := s.loadFile(lockFile, &st); err != nil {
		return false, err
	}
	st.init()
	st.evictExpired(time.Now().UTC())

	existing, ok := st.Locks[resource]
	if !ok {
		return false, nil
	}
	if existing.Owner != owner {
		return false, fmt.Errorf("lock %s is held by %s", resource, existing.Owner)
	}
	delete(st.Locks, resource)
	if err := s.saveFile(lockFile, &st); err != nil {
		return false, err
	}
	s.publish("locks", "release")
	return true, nil
}

// ForceReleaseLock removes a lease regardless of owner (operator action).
func (s *Store) ForceReleaseLock(resource string) (bool, error) {
	if resource == "" {
		return false, fmt.Errorf("resource is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st lockState
	if err := s.loadFile(lockFile, &st); err != nil {
		return false, err
	}
	st.init()

	if _, ok := st.Locks[resource]; !ok {
		return false, nil
	}
	delete(st.Locks, resource)
	if err := s.saveFile(lockFile, &st); err != nil {
		return false, err
	}
	s.publish("locks", "force_release")
	return true, nil
}

// ListLocks returns live leases.
func (s *Store) ListLocks() ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st lockState
	if err := s.loadFile(lockFile, &st); err != nil {
		return nil, err
	}
	st.init()

	now := time.Now().UTC()
	if st.evictExpired(now) > 0 {
		if err := s.saveFile(lockFile, &st); err != nil {
			return nil, err
		}
	}

	out := []Lock{}
	for _, l := range st.Locks {
		out = append(out, *l)
	}
	return out, nil
}
