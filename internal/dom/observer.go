package dom

import (
	"sync"
	"time"
)

// MutationType classifies a MutationRecord.
type MutationType string

const (
	MutationAttributes    MutationType = "attributes"
	MutationStyle         MutationType = "style"
	MutationChildList     MutationType = "childList"
	MutationCharacterData MutationType = "characterData"
)

// RemovedNode is a child removed from the tree together with the path it had
// just before removal.
type RemovedNode struct {
	Node  any
	XPath string
}

// MutationRecord describes one change to the tree. For attributes records
// AttributeName is the attribute, for style records the CSS property, for
// characterData records the property that was written.
type MutationRecord struct {
	Type          MutationType
	Target        *Node
	AttributeName string
	OldValue      any
	AddedNodes    []any
	RemovedNodes  []RemovedNode
}

// ObserveOptions selects which changes an observation reports.
type ObserveOptions struct {
	Subtree       bool
	ChildList     bool
	Attributes    bool
	CharacterData bool
}

// ObserveAll reports every kind of change anywhere under the target.
var ObserveAll = ObserveOptions{Subtree: true, ChildList: true, Attributes: true, CharacterData: true}

func (o ObserveOptions) accepts(t MutationType) bool {
	switch t {
	case MutationAttributes, MutationStyle:
		return o.Attributes
	case MutationChildList:
		return o.ChildList
	case MutationCharacterData:
		return o.CharacterData
	}
	return false
}

type registration struct {
	observer *MutationObserver
	opts     ObserveOptions
}

// MutationObserver batches records and delivers them once per interval after
// the first record of a batch arrives.
type MutationObserver struct {
	callback func([]MutationRecord)
	interval time.Duration

	mu      sync.Mutex
	records []MutationRecord
	timer   *time.Timer
	targets []*Node
	stopped bool
}

// NewMutationObserver returns an observer delivering batches to callback.
func NewMutationObserver(interval time.Duration, callback func([]MutationRecord)) *MutationObserver {
	return &MutationObserver{callback: callback, interval: interval}
}

// Observe starts reporting changes to target.
func (o *MutationObserver) Observe(target *Node, opts ObserveOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = false
	for _, reg := range target.regs {
		if reg.observer == o {
			reg.opts = opts
			return
		}
	}
	target.regs = append(target.regs, &registration{observer: o, opts: opts})
	o.targets = append(o.targets, target)
}

// Disconnect stops observing and drops queued records.
func (o *MutationObserver) Disconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	for _, t := range o.targets {
		kept := t.regs[:0]
		for _, reg := range t.regs {
			if reg.observer != o {
				kept = append(kept, reg)
			}
		}
		t.regs = kept
	}
	o.targets = nil
	o.records = nil
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// TakeRecords empties the queue and returns what was in it.
func (o *MutationObserver) TakeRecords() []MutationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.records
	o.records = nil
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	return out
}

// Flush delivers queued records now.
func (o *MutationObserver) Flush() {
	if records := o.TakeRecords(); len(records) > 0 {
		o.callback(records)
	}
}

func (o *MutationObserver) enqueue(rec MutationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.records = append(o.records, rec)
	if o.timer == nil {
		o.timer = time.AfterFunc(o.interval, o.Flush)
	}
}

func (n *Node) notify(rec MutationRecord) {
	for cur := n; cur != nil; cur = cur.parent {
		for _, reg := range cur.regs {
			if (cur == n || reg.opts.Subtree) && reg.opts.accepts(rec.Type) {
				reg.observer.enqueue(rec)
			}
		}
	}
}
