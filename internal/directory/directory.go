// Package directory implements the Agent Directory: an indexed registry
// mapping agent ids to their declared topics and capabilities, so other
// components can answer "who is subscribed to X" and "who provides Y"
// without reaching into the Agent Runtime or Action Broker.
package directory

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is the directory's record for one agent.
type Entry struct {
	AgentID      string
	Topics       []string
	Capabilities []string
}

func (e Entry) clone() Entry {
	return Entry{
		AgentID:      e.AgentID,
		Topics:       append([]string(nil), e.Topics...),
		Capabilities: append([]string(nil), e.Capabilities...),
	}
}

// Directory is a concurrency-safe registry of agents by id, topic, and
// capability. The zero value is not usable; construct with New.
type Directory struct {
	mu           sync.RWMutex
	byID         map[string]Entry
	byTopic      map[string]map[string]struct{}
	byCapability map[string]map[string]struct{}
}

// New constructs an empty Directory.
func New() *Directory {
	return &Directory{
		byID:         make(map[string]Entry),
		byTopic:      make(map[string]map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces the directory entry for agentID. Re-registering
// an existing agent id overwrites its topics and capabilities.
func (d *Directory) Register(agentID string, topics, capabilities []string) error {
	if agentID == "" {
		return fmt.Errorf("directory: agent id must not be empty")
	}

	entry := Entry{
		AgentID:      agentID,
		Topics:       append([]string(nil), topics...),
		Capabilities: append([]string(nil), capabilities...),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.byID[agentID]; ok {
		d.unindexLocked(old)
	}
	d.byID[agentID] = entry
	d.indexLocked(entry)
	return nil
}

// Unregister removes agentID and all of its index entries. Unregistering an
// unknown agent id is a not-found error but leaves the directory unchanged.
func (d *Directory) Unregister(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.byID[agentID]
	if !ok {
		return fmt.Errorf("directory: agent %q not found", agentID)
	}
	delete(d.byID, agentID)
	d.unindexLocked(entry)
	return nil
}

// LookupByTopic returns the ids of every registered agent declared against
// topic, in a stable (sorted) order.
func (d *Directory) LookupByTopic(topic string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.byTopic[topic])
}

// LookupByCapability returns the ids of every registered agent providing
// capability, in a stable (sorted) order.
func (d *Directory) LookupByCapability(capability string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.byCapability[capability])
}

// Get returns the entry for agentID, if registered.
func (d *Directory) Get(agentID string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byID[agentID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (d *Directory) indexLocked(e Entry) {
	for _, t := range e.Topics {
		set, ok := d.byTopic[t]
		if !ok {
			set = make(map[string]struct{})
			d.byTopic[t] = set
		}
		set[e.AgentID] = struct{}{}
	}
	for _, c := range e.Capabilities {
		set, ok := d.byCapability[c]
		if !ok {
			set = make(map[string]struct{})
			d.byCapability[c] = set
		}
		set[e.AgentID] = struct{}{}
	}
}

func (d *Directory) unindexLocked(e Entry) {
	for _, t := range e.Topics {
		if set, ok := d.byTopic[t]; ok {
			delete(set, e.AgentID)
			if len(set) == 0 {
				delete(d.byTopic, t)
			}
		}
	}
	for _, c := range e.Capabilities {
		if set, ok := d.byCapability[c]; ok {
			delete(set, e.AgentID)
			if len(set) == 0 {
				delete(d.byCapability, c)
			}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
