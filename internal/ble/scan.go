package ble

import (
	"sort"
	"sync"
	"time"
)

// ScanRecord is the latest observation of one advertising peer.
type ScanRecord struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	RSSI     int16     `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

// ScanTable keeps the freshest record per address.
// All exported methods are safe for concurrent use.
type ScanTable struct {
	mu      sync.RWMutex
	records map[string]*ScanRecord
}

func NewScanTable() *ScanTable {
	return &ScanTable{records: make(map[string]*ScanRecord)}
}

// Upsert replaces the record for r.Address. A later observation without a
// name keeps the previously seen name.
func (t *ScanTable) Upsert(r ScanRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.records[r.Address]; ok && r.Name == "" {
		r.Name = prev.Name
	}
	t.records[r.Address] = &r
}

// Get returns a copy of the record for address.
func (t *ScanTable) Get(address string) (ScanRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[address]
	if !ok {
		return ScanRecord{}, false
	}
	return *r, true
}

// List returns a snapshot sorted by address.
func (t *ScanTable) List() []ScanRecord {
	t.mu.RLock()
	out := make([]ScanRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (t *ScanTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Prune removes records last seen more than window before now, except
// those keep reports true for. It returns the removed addresses.
func (t *ScanTable) Prune(now time.Time, window time.Duration, keep func(address string) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for addr, r := range t.records {
		if now.Sub(r.LastSeen) <= window {
			continue
		}
		if keep != nil && keep(addr) {
			continue
		}
		delete(t.records, addr)
		removed = append(removed, addr)
	}
	sort.Strings(removed)
	return removed
}

// Reset forgets every record.
func (t *ScanTable) Reset() {
	t.mu.Lock()
	t.records = make(map[string]*ScanRecord)
	t.mu.Unlock()
}
