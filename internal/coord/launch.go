package coord

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LaunchEntry records one terminal session the orchestrator launched.
type LaunchEntry struct {
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name,omitempty"`
	SessionID  string    `json:"session_id"`
	LaunchedAt time.Time `json:"launched_at"`
}

type launchState struct {
	Sessions map[string]*LaunchEntry `json:"sessions"`
}

func (st *launchState) init() {
	if st.Sessions == nil {
		st.Sessions = map[string]*LaunchEntry{}
	}
}

const launchFile = "iterm_launch_state.json"

// RecordLaunch upserts a launch entry by agent id.
func (s *Store) RecordLaunch(entry LaunchEntry) (*LaunchEntry, error) {
	if strings.TrimSpace(entry.AgentID) == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st launchState
	if err := s.loadFile(launchFile, &st); err != nil {
		return nil, err
	}
	st.init()

	if existing, ok := st.Sessions[entry.AgentID]; ok && !existing.LaunchedAt.IsZero() {
		entry.LaunchedAt = existing.LaunchedAt
	} else {
		entry.LaunchedAt = time.Now().UTC()
	}
	st.Sessions[entry.AgentID] = &entry

	if err := s.saveFile(launchFile, &st); err != nil {
		return nil, err
	}
	copied := entry
	return &copied, nil
}

// Launches lists recorded launch entries sorted by agent id.
func (s *Store) Launches() ([]LaunchEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st launchState
	if err := s.loadFile(launchFile, &st); err != nil {
		return nil, err
	}
	st.init()

	out := []LaunchEntry{}
	for _, e := range st.Sessions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// RemoveLaunch drops one agent's launch entry, reporting whether it existed.
func (s *Store) RemoveLaunch(agentID string) (bool, error) {
	if agentID == "" {
		return false, fmt.Errorf("agent_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st launchState
	if err := s.loadFile(launchFile, &st); err != nil {
		return false, err
	}
	st.init()

	if _, ok := st.Sessions[agentID]; !ok {
		return false, nil
	}
	delete(st.Sessions, agentID)
	if err := s.saveFile(launchFile, &st); err != nil {
		return false, err
	}
	return true, nil
}

// CleanLaunches drops entries whose agent is no longer live on the bridge.
// It returns the number of removed entries.
func (s *Store) CleanLaunches(live map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st launchState
	if err := s.loadFile(launchFile, &st); err != nil {
		return 0, err
	}
	st.init()

	removed := 0
	for id := range st.Sessions {
		if !live[id] {
			delete(st.Sessions, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveFile(launchFile, &st); err != nil {
		return 0, err
	}
	return removed, nil
}

// ClearLaunches drops every launch entry and returns how many there were.
func (s *Store) ClearLaunches() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st launchState
	if err := s.loadFile(launchFile, &st); err != nil {
		return 0, err
	}
	st.init()

	n := len(st.Sessions)
	if n == 0 {
		return 0, nil
	}
	st.Sessions = map[string]*LaunchEntry{}
	if err := s.saveFile(launchFile, &st); err != nil {
		return 0, err
	}
	return n, nil
}
