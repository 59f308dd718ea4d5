package coord

import (
	"fmt"
	"strings"
	"time"
)

// Approval is one in-tool human decision request (distinct from the topology
// approval state machine).
type Approval struct {
	ApprovalID  string     `json:"approval_id"`
	Requester   string     `json:"requester"`
	TargetAgent string     `json:"target_agent,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Options     []string   `json:"options,omitempty"`
	Status      string     `json:"status"`
	Decision    string     `json:"decision,omitempty"`
	Approver    string     `json:"approver,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

const (
	ApprovalPending  = "pending"
	ApprovalResolved = "resolved"
)

type approvalState struct {
	LastSeq   int64                `json:"last_seq"`
	Approvals map[string]*Approval `json:"approvals"`
}

func (st *approvalState) init() {
	if st.Approvals == nil {
		st.Approvals = map[string]*Approval{}
	}
}

const approvalFile = "agent_approvals.json"

// RequestApproval creates a pending approval with an A-prefixed 8-digit id.
func (s *Store) RequestApproval(a Approval) (*Approval, error) {
	if strings.TrimSpace(a.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	if a.Requester == "" {
		return nil, fmt.Errorf("requester is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st approvalState
	if err := s.loadFile(approvalFile, &st); err != nil {
		return nil, err
	}
	st.init()

	st.LastSeq++
	a.ApprovalID = fmt.Sprintf("A%08d", st.LastSeq)
	a.Status = ApprovalPending
	a.CreatedAt = time.Now().UTC()
	st.Approvals[a.ApprovalID] = &a

	if err := s.saveFile(approvalFile, &st); err != nil {
		return nil, err
	}
	s.publish("approvals", "request")
	copied := a
	return &copied, nil
}

// RespondApproval resolves a pending approval with a decision.
func (s *Store) RespondApproval(id, decision, approver, reason string) (*Approval, error) {
	if id == "" || decision == "" {
		return nil, fmt.Errorf("approval_id and decision are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st approvalState
	if err := s.loadFile(approvalFile, &st); err != nil {
		return nil, err
	}
	st.init()
	a, ok := st.Approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if a.Status != ApprovalPending {
		return nil, fmt.Errorf("approval %s is already %s", id, a.Status)
	}
	if len(a.Options) > 0 {
		valid := false
		for _, opt := range a.Options {
			if opt == decision {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("decision %q is not one of %s", decision, strings.Join(a.Options, "/"))
		}
	}

	now := time.Now().UTC()
	a.Status = ApprovalResolved
	a.Decision = decision
	a.Approver = approver
	a.Reason = reason
	a.ResolvedAt = &now

	if err := s.saveFile(approvalFile, &st); err != nil {
		return nil, err
	}
	s.publish("approvals", "respond")
	copied := *a
	return &copied, nil
}

// GetApproval returns one approval by id.
func (s *Store) GetApproval(id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st approvalState
	if err := s.loadFile(approvalFile, &st); err != nil {
		return nil, err
	}
	st.init()
	a, ok := st.Approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	copied := *a
	return &copied, nil
}

// ListApprovals returns approvals newest-first, optionally by status.
func (s *Store) ListApprovals(status string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st approvalState
	if err := s.loadFile(approvalFile, &st); err != nil {
		return nil, err
	}
	st.init()

	out := []Approval{}
	for _, a := range st.Approvals {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
