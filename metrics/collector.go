// Package metrics counts data-transfer protocol activity for a task.
//
// The Collector is a leaf package with no internal dependencies. Every
// method is nil-receiver safe so engines can be built without one.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Saver
	SavesStarted   int64 `json:"saves_started"`
	SavesCompleted int64 `json:"saves_completed"`
	SavesFailed    int64 `json:"saves_failed"`
	BytesSent      int64 `json:"bytes_sent"`

	// Loader
	LoadsStarted     int64 `json:"loads_started"`
	LoadsCompleted   int64 `json:"loads_completed"`
	LoadsFailed      int64 `json:"loads_failed"`
	BytesReceived    int64 `json:"bytes_received"`
	WatchdogTimeouts int64 `json:"watchdog_timeouts"`

	// Transfer paths taken, counted once per completed transfer
	RAMTransfers  int64 `json:"ram_transfers"`
	FileTransfers int64 `json:"file_transfers"`

	// Protocol
	Bounces          int64            `json:"bounces"`
	BouncesByAction  map[string]int64 `json:"bounces_by_action"`
	ProtocolErrors   int64            `json:"protocol_errors"`
	TransportErrors  int64            `json:"transport_errors"`
	IPCDecodeErrors  int64            `json:"ipc_decode_errors"`
	MessagesSent     int64            `json:"messages_sent"`
	MessagesReceived int64            `json:"messages_received"`

	// Entities
	EntitiesClaimed   int64 `json:"entities_claimed"`
	EntitiesLost      int64 `json:"entities_lost"`
	ClipboardRequests int64 `json:"clipboard_requests"`

	// Drag
	DragsStarted int64 `json:"drags_started"`
	DragsDropped int64 `json:"drags_dropped"`
	DragsAborted int64 `json:"drags_aborted"`

	// Journal
	JournalWriteSuccess int64 `json:"journal_write_success"`
	JournalWriteFailure int64 `json:"journal_write_failure"`

	// Dimensions (informational, set at construction)
	Task           string `json:"task"`
	Transport      string `json:"transport"`
	JournalBackend string `json:"journal_backend"`
}

// Collector accumulates counters. Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(task, transport, journalBackend string) *Collector {
	return &Collector{s: Snapshot{
		BouncesByAction: make(map[string]int64),
		Task:            task,
		Transport:       transport,
		JournalBackend:  journalBackend,
	}}
}

func (c *Collector) add(field func(*Snapshot) *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field(&c.s) += n
	c.mu.Unlock()
}

// --- Saver ---

// IncSaveStarted records a save operation being created.
func (c *Collector) IncSaveStarted() { c.add(func(s *Snapshot) *int64 { return &s.SavesStarted }, 1) }

// IncSaveCompleted records a save that reached its success callback.
func (c *Collector) IncSaveCompleted() {
	c.add(func(s *Snapshot) *int64 { return &s.SavesCompleted }, 1)
}

// IncSaveFailed records a save that reached its failure callback.
func (c *Collector) IncSaveFailed() { c.add(func(s *Snapshot) *int64 { return &s.SavesFailed }, 1) }

// AddBytesSent records payload bytes sent by RAM or written to a file.
func (c *Collector) AddBytesSent(n int) {
	c.add(func(s *Snapshot) *int64 { return &s.BytesSent }, int64(n))
}

// --- Loader ---

// IncLoadStarted records a load operation being created.
func (c *Collector) IncLoadStarted() { c.add(func(s *Snapshot) *int64 { return &s.LoadsStarted }, 1) }

// IncLoadCompleted records a load whose data was delivered to the client.
func (c *Collector) IncLoadCompleted() {
	c.add(func(s *Snapshot) *int64 { return &s.LoadsCompleted }, 1)
}

// IncLoadFailed records a load that reached its failure callback.
func (c *Collector) IncLoadFailed() { c.add(func(s *Snapshot) *int64 { return &s.LoadsFailed }, 1) }

// AddBytesReceived records payload bytes received.
func (c *Collector) AddBytesReceived(n int) {
	c.add(func(s *Snapshot) *int64 { return &s.BytesReceived }, int64(n))
}

// IncWatchdogTimeout records a load abandoned by its watchdog.
func (c *Collector) IncWatchdogTimeout() {
	c.add(func(s *Snapshot) *int64 { return &s.WatchdogTimeouts }, 1)
}

// IncRAMTransfer records a transfer completed in memory.
func (c *Collector) IncRAMTransfer() { c.add(func(s *Snapshot) *int64 { return &s.RAMTransfers }, 1) }

// IncFileTransfer records a transfer completed through a file.
func (c *Collector) IncFileTransfer() {
	c.add(func(s *Snapshot) *int64 { return &s.FileTransfers }, 1)
}

// --- Protocol ---

// IncBounce records a recorded message returned undelivered. The action
// name is a string to keep this package free of the types package.
func (c *Collector) IncBounce(action string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.Bounces++
	c.s.BouncesByAction[action]++
	c.mu.Unlock()
}

// IncProtocolError records a peer that broke the protocol.
func (c *Collector) IncProtocolError() {
	c.add(func(s *Snapshot) *int64 { return &s.ProtocolErrors }, 1)
}

// IncTransportError records a failed send.
func (c *Collector) IncTransportError() {
	c.add(func(s *Snapshot) *int64 { return &s.TransportErrors }, 1)
}

// IncIPCDecodeErrors records an envelope or trace frame that failed to decode.
func (c *Collector) IncIPCDecodeErrors() {
	c.add(func(s *Snapshot) *int64 { return &s.IPCDecodeErrors }, 1)
}

// IncMessageSent records an outbound message.
func (c *Collector) IncMessageSent() {
	c.add(func(s *Snapshot) *int64 { return &s.MessagesSent }, 1)
}

// IncMessageReceived records an inbound message.
func (c *Collector) IncMessageReceived() {
	c.add(func(s *Snapshot) *int64 { return &s.MessagesReceived }, 1)
}

// --- Entities ---

// AddEntitiesClaimed records newly claimed entity bits.
func (c *Collector) AddEntitiesClaimed(n int) {
	c.add(func(s *Snapshot) *int64 { return &s.EntitiesClaimed }, int64(n))
}

// AddEntitiesLost records entity bits taken by another owner.
func (c *Collector) AddEntitiesLost(n int) {
	c.add(func(s *Snapshot) *int64 { return &s.EntitiesLost }, int64(n))
}

// IncClipboardRequest records a request for an entity's data.
func (c *Collector) IncClipboardRequest() {
	c.add(func(s *Snapshot) *int64 { return &s.ClipboardRequests }, 1)
}

// --- Drag ---

// IncDragStarted records a drag being started.
func (c *Collector) IncDragStarted() { c.add(func(s *Snapshot) *int64 { return &s.DragsStarted }, 1) }

// IncDragDropped records a drag ending in a drop.
func (c *Collector) IncDragDropped() { c.add(func(s *Snapshot) *int64 { return &s.DragsDropped }, 1) }

// IncDragAborted records a drag abandoned without a drop.
func (c *Collector) IncDragAborted() { c.add(func(s *Snapshot) *int64 { return &s.DragsAborted }, 1) }

// --- Journal ---
// Journal counters are per-call: one Record call counts once however many
// records it writes.

// IncJournalWriteSuccess records a successful journal write.
func (c *Collector) IncJournalWriteSuccess() {
	c.add(func(s *Snapshot) *int64 { return &s.JournalWriteSuccess }, 1)
}

// IncJournalWriteFailure records a failed journal write.
func (c *Collector) IncJournalWriteFailure() {
	c.add(func(s *Snapshot) *int64 { return &s.JournalWriteFailure }, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.s
	s.BouncesByAction = make(map[string]int64, len(c.s.BouncesByAction))
	for k, v := range c.s.BouncesByAction {
		s.BouncesByAction[k] = v
	}
	return s
}
