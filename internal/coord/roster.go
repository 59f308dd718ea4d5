package coord

import (
	"fmt"
	"strings"
	"time"
)

// RosterEntry is one registered agent in the fleet registry.
type RosterEntry struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name,omitempty"`
	Role         string    `json:"role,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type rosterState struct {
	Agents map[string]*RosterEntry `json:"agents"`
}

func (st *rosterState) init() {
	if st.Agents == nil {
		st.Agents = map[string]*RosterEntry{}
	}
}

const rosterFile = "agent_registry.json"

// RegisterAgent upserts a roster entry by agent id.
func (s *Store) RegisterAgent(entry RosterEntry) (*RosterEntry, error) {
	if strings.TrimSpace(entry.AgentID) == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st rosterState
	if err := s.loadFile(rosterFile, &st); err != nil {
		return nil, err
	}
	st.init()

	now := time.Now().UTC()
	if existing, ok := st.Agents[entry.AgentID]; ok {
		entry.RegisteredAt = existing.RegisteredAt
	} else {
		entry.RegisteredAt = now
	}
	entry.UpdatedAt = now
	st.Agents[entry.AgentID] = &entry

	if err := s.saveFile(rosterFile, &st); err != nil {
		return nil, err
	}
	s.publish("roster", "register")
	copied := entry
	return &copied, nil
}

// Roster lists registered agents.
func (s *Store) Roster() ([]RosterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st rosterState
	if err := s.loadFile(rosterFile, &st); err != nil {
		return nil, err
	}
	st.init()

	out := []RosterEntry{}
	for _, e := range st.Agents {
		out = append(out, *e)
	}
	return out, nil
}

// UnregisterAgent removes a roster entry, reporting whether it existed.
func (s *Store) UnregisterAgent(agentID string) (bool, error) {
	if agentID == "" {
		return false, fmt.Errorf("agent_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st rosterState
	if err := s.loadFile(rosterFile, &st); err != nil {
		return false, err
	}
	st.init()

	if _, ok := st.Agents[agentID]; !ok {
		return false, nil
	}
	delete(st.Agents, agentID)
	if err := s.saveFile(rosterFile, &st); err != nil {
		return false, err
	}
	s.publish("roster", "unregister")
	return true, nil
}
