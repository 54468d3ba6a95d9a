package flowhandler

import "rrmt/frame"

// flowTable is the flow-byte allocation table (§3 "Flow allocation table").
// It is touched only from the Writer task's command loop, so no mutex is
// needed — the command queue that feeds the loop is the lock.
type flowTable struct {
	free map[byte]bool // byte -> currently free
	low  byte
	high byte
}

// newFlowTable populates {low..=high: free} per role: client owns
// 0x01..=0x7F, server owns 0x80..=0xFE. Flow 0x00 is never in the table;
// it is always legal to transmit on it (reserved for heartbeats).
func newFlowTable(role frame.Role) *flowTable {
	t := &flowTable{free: make(map[byte]bool)}
	if role == frame.RoleClient {
		t.low, t.high = 0x01, 0x7F
	} else {
		t.low, t.high = 0x80, 0xFE
	}
	for b := int(t.low); b <= int(t.high); b++ {
		t.free[byte(b)] = true
	}
	return t
}

// reserve scans for any free flow byte, marks it reserved, and returns it.
// Scan order is a fixed ascending sweep from low to high — any deterministic
// order satisfies the spec.
func (t *flowTable) reserve() (byte, bool) {
	for b := int(t.low); b <= int(t.high); b++ {
		flow := byte(b)
		if t.free[flow] {
			t.free[flow] = false
			return flow, true
		}
	}
	return 0, false
}

// release returns a flow byte to the free pool. Double-release is harmless.
func (t *flowTable) release(flow byte) {
	if flow < t.low || flow > t.high {
		return
	}
	t.free[flow] = true
}
