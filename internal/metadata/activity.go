package metadata

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// AgentActivity tracks when an agent was last active and which paths it
// currently holds.
type AgentActivity struct {
	Agent        string    `json:"agent"`
	LastActive   time.Time `json:"last_active"`
	CurrentFiles []string  `json:"current_files"` // sorted
}

func (a AgentActivity) clone() AgentActivity {
	a.CurrentFiles = slices.Clone(a.CurrentFiles)
	return a
}

type activity struct {
	mu     sync.Mutex
	agents map[string]*AgentActivity
	now    func() time.Time
}

// TouchAgent marks agent active now and adds or removes path from its
// current files. The activity entry is created on first use.
func (s *Store) TouchAgent(agent, path string, holding bool) {
	s.activity.mu.Lock()
	defer s.activity.mu.Unlock()

	a := s.activity.agents[agent]
	if a == nil {
		a = &AgentActivity{Agent: agent}
		s.activity.agents[agent] = a
	}
	a.LastActive = s.activity.now()

	if path == "" {
		return
	}
	i, found := slices.BinarySearch(a.CurrentFiles, path)
	switch {
	case holding && !found:
		a.CurrentFiles = slices.Insert(a.CurrentFiles, i, path)
	case !holding && found:
		a.CurrentFiles = slices.Delete(a.CurrentFiles, i, i+1)
	}
}

// Agent returns a copy of agent's activity.
func (s *Store) Agent(agent string) (AgentActivity, bool) {
	s.activity.mu.Lock()
	defer s.activity.mu.Unlock()

	a := s.activity.agents[agent]
	if a == nil {
		return AgentActivity{}, false
	}
	return a.clone(), true
}

// Agents returns copies of every agent's activity sorted by name.
func (s *Store) Agents() []AgentActivity {
	s.activity.mu.Lock()
	out := make([]AgentActivity, 0, len(s.activity.agents))
	for _, a := range s.activity.agents {
		out = append(out, a.clone())
	}
	s.activity.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// PruneIdleAgents removes agents that hold nothing and have been idle
// longer than ttl. A non-positive ttl prunes nothing.
func (s *Store) PruneIdleAgents(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	s.activity.mu.Lock()
	defer s.activity.mu.Unlock()

	cutoff := s.activity.now().Add(-ttl)
	var pruned []string
	for name, a := range s.activity.agents {
		if len(a.CurrentFiles) == 0 && a.LastActive.Before(cutoff) {
			delete(s.activity.agents, name)
			pruned = append(pruned, name)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// ReplaceAgents swaps the activity table, used by snapshot restore.
func (s *Store) ReplaceAgents(agents []AgentActivity) {
	table := make(map[string]*AgentActivity, len(agents))
	for _, a := range agents {
		if a.Agent == "" {
			continue
		}
		a := a.clone()
		slices.Sort(a.CurrentFiles)
		a.CurrentFiles = slices.Compact(a.CurrentFiles)
		table[a.Agent] = &a
	}

	s.activity.mu.Lock()
	s.activity.agents = table
	s.activity.mu.Unlock()
}
