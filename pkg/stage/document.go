package stage

import "sync"

// Document is a session's local mutable copy of the shared snapshot.
//
// Local edits go through Update or Replace and wake every watcher. Snapshots arriving from the
// relay go through ApplyRemote, which watchers never observe, so applying remote state can not
// bounce straight back out as a new update.
type Document struct {
	mu       sync.RWMutex
	snapshot Snapshot
	watchers map[chan struct{}]struct{}
}

func NewDocument(initial Snapshot) *Document {
	return &Document{
		snapshot: initial.Clone(),
		watchers: make(map[chan struct{}]struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot.Clone()
}

// Update mutates the document in place and notifies watchers.
func (d *Document) Update(fn func(*Snapshot)) {
	d.mu.Lock()
	fn(&d.snapshot)
	d.mu.Unlock()
	d.notify()
}

// Replace swaps in a new snapshot as a local edit.
func (d *Document) Replace(s Snapshot) {
	d.mu.Lock()
	d.snapshot = s.Clone()
	d.mu.Unlock()
	d.notify()
}

// ApplyRemote swaps in a snapshot received from the relay without notifying watchers.
func (d *Document) ApplyRemote(s Snapshot) {
	d.mu.Lock()
	d.snapshot = s.Clone()
	d.mu.Unlock()
}

// Watch returns a channel that receives a signal after local changes. Signals coalesce: a
// watcher that falls behind sees one pending signal, not one per change. The returned func
// stops the watch.
func (d *Document) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	d.mu.Lock()
	d.watchers[ch] = struct{}{}
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.watchers, ch)
		d.mu.Unlock()
	}
}

func (d *Document) notify() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for ch := range d.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
