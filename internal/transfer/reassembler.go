// ABOUTME: Reassembles out-of-order binary chunks into complete artifacts.
// ABOUTME: Bounds memory with a timeout sweep that abandons transfers that never finish.

package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownTransfer indicates a chunk for a transfer that was never begun.
var ErrUnknownTransfer = errors.New("unknown transfer")

// Kind selects the timeout policy for a transfer. Interactive recording
// uploads are abandoned quickly; bulk file transfers get a longer bound.
type Kind int

const (
	KindRecording Kind = iota
	KindFile
)

// Status is the result of receiving one chunk.
type Status int

const (
	Incomplete Status = iota
	Complete
)

// Sink receives completed artifacts and failure notifications. Persisting
// the artifact (disk, object storage) is the sink's concern.
type Sink interface {
	TransferComplete(transferID string, data []byte)
	TransferFailed(transferID string, reason string)
}

type buffer struct {
	kind   Kind
	chunks [][]byte
	// seen tracks which indices have arrived. Kept separate from chunks so
	// an empty or absent bytes field still counts its index exactly once.
	seen     []bool
	received int
	// lastChunkAt is refreshed on every chunk; the sweep abandons on
	// silence, not on total transfer age.
	lastChunkAt time.Time
}

// Params configures a Reassembler.
type Params struct {
	RecordingTimeout time.Duration
	FileTimeout      time.Duration
	SweepInterval    time.Duration
	Sink             Sink
	Logger           *slog.Logger
	// Now lets tests advance virtual time. Defaults to time.Now.
	Now func() time.Time
}

// Reassembler accepts numbered chunks in any order and hands the assembled
// byte sequence to its sink exactly once per transfer.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	// recent remembers finished or abandoned transfer ids for a short window
	// so redelivered chunks are dropped instead of resurrecting a buffer.
	recent map[string]time.Time

	recordingTimeout time.Duration
	fileTimeout      time.Duration
	sweepInterval    time.Duration
	sink             Sink
	now              func() time.Time
	logger           *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Reassembler. The caller starts the timeout sweep with Run.
func New(p Params) *Reassembler {
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = time.Second
	}
	return &Reassembler{
		buffers:          make(map[string]*buffer),
		recent:           make(map[string]time.Time),
		recordingTimeout: p.RecordingTimeout,
		fileTimeout:      p.FileTimeout,
		sweepInterval:    p.SweepInterval,
		sink:             p.Sink,
		now:              p.Now,
		logger:           p.Logger.With("component", "transfer"),
		done:             make(chan struct{}),
	}
}

// BeginTransfer allocates a buffer for totalChunks numbered fragments.
// Beginning an id that is already in flight or recently finished is a no-op,
// so the call is safe against sender retries.
func (r *Reassembler) BeginTransfer(transferID string, totalChunks int, kind Kind) error {
	if totalChunks <= 0 {
		return fmt.Errorf("invalid totalChunks %d for transfer %s", totalChunks, transferID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buffers[transferID]; ok {
		return nil
	}
	if _, ok := r.recent[transferID]; ok {
		return nil
	}

	r.buffers[transferID] = &buffer{
		kind:        kind,
		chunks:      make([][]byte, totalChunks),
		seen:        make([]bool, totalChunks),
		lastChunkAt: r.now(),
	}
	r.logger.Debug("transfer started", "transfer_id", transferID, "total_chunks", totalChunks)
	return nil
}

// Active reports whether the transfer currently has a live buffer.
func (r *Reassembler) Active(transferID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buffers[transferID]
	return ok
}

// ReceiveChunk stores one fragment. Chunks may arrive in any order and a
// duplicate index overwrites the previous copy. Returns Complete exactly
// once, the moment the last missing index fills in; at that point the
// assembled artifact is handed to the sink and the buffer is freed. Chunks
// for a recently finished transfer are silently dropped.
func (r *Reassembler) ReceiveChunk(transferID string, index int, data []byte) (Status, error) {
	r.mu.Lock()

	buf, ok := r.buffers[transferID]
	if !ok {
		_, wasRecent := r.recent[transferID]
		r.mu.Unlock()
		if wasRecent {
			r.logger.Debug("dropping chunk for finished transfer", "transfer_id", transferID, "index", index)
			return Incomplete, nil
		}
		return Incomplete, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}

	if index < 0 || index >= len(buf.chunks) {
		r.mu.Unlock()
		return Incomplete, fmt.Errorf("chunk index %d out of range for transfer %s (total %d)", index, transferID, len(buf.chunks))
	}

	if !buf.seen[index] {
		buf.seen[index] = true
		buf.received++
	}
	buf.chunks[index] = data
	buf.lastChunkAt = r.now()

	if buf.received < len(buf.chunks) {
		r.mu.Unlock()
		return Incomplete, nil
	}

	// Last missing index just filled in: assemble, free, remember.
	delete(r.buffers, transferID)
	r.recent[transferID] = r.now()
	assembled := join(buf.chunks)
	r.mu.Unlock()

	r.logger.Info("transfer complete", "transfer_id", transferID, "bytes", len(assembled))
	if r.sink != nil {
		r.sink.TransferComplete(transferID, assembled)
	}
	return Complete, nil
}

// Abandon frees a transfer's buffer without delivering anything. Used for
// operator cancellation and agent-reported failures; calling it again, or
// for an id that was never begun, is a no-op.
func (r *Reassembler) Abandon(transferID string) {
	r.mu.Lock()
	_, ok := r.buffers[transferID]
	if ok {
		delete(r.buffers, transferID)
		r.recent[transferID] = r.now()
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("transfer abandoned", "transfer_id", transferID)
	}
}

// Sweep abandons transfers silent for longer than their kind's timeout and
// notifies the sink. Also expires the recently-finished set. Exposed so
// tests can drive timeouts with virtual time.
func (r *Reassembler) Sweep() {
	r.mu.Lock()
	now := r.now()
	var expired []string
	for id, buf := range r.buffers {
		if now.Sub(buf.lastChunkAt) >= r.timeoutFor(buf.kind) {
			delete(r.buffers, id)
			r.recent[id] = now
			expired = append(expired, id)
		}
	}
	retention := r.fileTimeout
	for id, t := range r.recent {
		if now.Sub(t) >= retention {
			delete(r.recent, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Warn("transfer timed out", "transfer_id", id)
		if r.sink != nil {
			r.sink.TransferFailed(id, "transfer timeout")
		}
	}
}

// Run drives the periodic timeout sweep until done is closed.
func (r *Reassembler) Run(done <-chan struct{}) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-done:
			return
		case <-r.done:
			return
		}
	}
}

// Close stops the sweep loop. Safe to call multiple times.
func (r *Reassembler) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Reassembler) timeoutFor(kind Kind) time.Duration {
	if kind == KindFile {
		return r.fileTimeout
	}
	return r.recordingTimeout
}

func join(chunks [][]byte) []byte {
	var size int
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
