package job

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/mp4proxy/internal/metrics"
)

// ErrSlowClient is returned to a hub client that fell further behind than
// the hub retains.
var ErrSlowClient = errors.New("live stream client fell behind")

const defaultHubChunks = 256

type hubChunk struct {
	seq  uint64
	data []byte
}

// HubClient is one live reader of a job's encoder output.
type HubClient struct {
	ID          uuid.UUID
	RemoteAddr  string
	ConnectedAt time.Time

	lastSequence atomic.Uint64
	bytesRead    atomic.Uint64
	waitCh       chan struct{}
}

// BytesRead returns the bytes delivered to this client.
func (c *HubClient) BytesRead() uint64 { return c.bytesRead.Load() }

func (c *HubClient) notify() {
	select {
	case c.waitCh <- struct{}{}:
	default:
	}
}

// Hub fans out encoder output to live clients. Clients receive the bytes
// written after they attach. The hub keeps the last maxChunks writes; a
// client that falls behind that is dropped with ErrSlowClient rather than
// stalling the encoder.
type Hub struct {
	maxChunks int

	mu       sync.RWMutex
	chunks   []hubChunk
	sequence uint64
	closed   bool
	err      error

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*HubClient

	totalBytes atomic.Uint64
}

// NewHub creates a hub retaining up to maxChunks writes.
func NewHub(maxChunks int) *Hub {
	if maxChunks <= 0 {
		maxChunks = defaultHubChunks
	}
	return &Hub{
		maxChunks: maxChunks,
		chunks:    make([]hubChunk, 0, maxChunks),
		clients:   make(map[uuid.UUID]*HubClient),
	}
}

// AddClient attaches a new client at the current position.
func (h *Hub) AddClient(remoteAddr string) (*HubClient, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, io.EOF
	}
	current := h.sequence
	h.mu.RUnlock()

	client := &HubClient{
		ID:          uuid.New(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		waitCh:      make(chan struct{}, 1),
	}
	client.lastSequence.Store(current)

	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()
	return client, nil
}

// RemoveClient detaches a client. Other clients are unaffected.
func (h *Hub) RemoveClient(id uuid.UUID) bool {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[id]; ok {
		delete(h.clients, id)
		return true
	}
	return false
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Write publishes a copy of p to all clients. It never blocks on readers.
func (h *Hub) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	h.sequence++
	h.chunks = append(h.chunks, hubChunk{seq: h.sequence, data: data})
	if over := len(h.chunks) - h.maxChunks; over > 0 {
		h.chunks = append(h.chunks[:0], h.chunks[over:]...)
	}
	h.mu.Unlock()

	h.totalBytes.Add(uint64(len(p)))
	h.notifyClients()
	return len(p), nil
}

// Close ends the stream. Clients drain what is retained and then get err,
// or io.EOF when err is nil.
func (h *Hub) Close(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.err = err
	h.mu.Unlock()
	h.notifyClients()
}

func (h *Hub) notifyClients() {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		c.notify()
	}
}

// Read returns the chunks the client has not seen yet, waiting for new data
// when there are none. It returns io.EOF once the hub is closed cleanly and
// the client has caught up.
func (h *Hub) Read(ctx context.Context, client *HubClient) ([][]byte, error) {
	for {
		chunks, done, err := h.readAvailable(client)
		if err != nil {
			if errors.Is(err, ErrSlowClient) {
				metrics.StreamSubscribersDropped.Inc()
				h.RemoveClient(client.ID)
			}
			return nil, err
		}
		if len(chunks) > 0 {
			return chunks, nil
		}
		if done {
			return nil, h.closeErr()
		}

		select {
		case <-client.waitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Hub) readAvailable(client *HubClient) ([][]byte, bool, error) {
	last := client.lastSequence.Load()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.chunks) > 0 && h.chunks[0].seq > last+1 {
		return nil, false, ErrSlowClient
	}

	var out [][]byte
	for _, c := range h.chunks {
		if c.seq > last {
			out = append(out, c.data)
			client.bytesRead.Add(uint64(len(c.data)))
			last = c.seq
		}
	}
	client.lastSequence.Store(last)
	return out, h.closed, nil
}

func (h *Hub) closeErr() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.err != nil {
		return h.err
	}
	return io.EOF
}

// TotalBytes returns the bytes written through the hub.
func (h *Hub) TotalBytes() uint64 { return h.totalBytes.Load() }
