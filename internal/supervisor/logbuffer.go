package supervisor

import (
	"strings"
	"sync"
)

// LogBuffer keeps a bounded history of log lines and fans new lines out to
// subscribers. It is an io.Writer so it can sit behind a slog handler and
// receive frpc output directly.
type LogBuffer struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	history []string
	maxHist int
}

func NewLogBuffer(historySize int) *LogBuffer {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBuffer{
		clients: make(map[chan string]struct{}),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Write splits p into lines and broadcasts each one
func (b *LogBuffer) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	for _, line := range strings.Split(text, "\n") {
		b.Broadcast(line + "\n")
	}
	return len(p), nil
}

// Broadcast appends message to the history and hands it to every subscriber.
// Subscribers whose buffer is full miss the message.
func (b *LogBuffer) Broadcast(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) >= b.maxHist {
		b.history = b.history[1:]
	}
	b.history = append(b.history, message)

	for ch := range b.clients {
		select {
		case ch <- message:
		default:
		}
	}
}

// SubscribeWithHistory registers a new subscriber and returns up to
// historyLines of the most recent messages.
func (b *LogBuffer) SubscribeWithHistory(historyLines int) (chan string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 100)
	b.clients[ch] = struct{}{}
	return ch, b.tailLocked(historyLines)
}

func (b *LogBuffer) Unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// Lines returns the last n messages joined together. n <= 0 returns the
// whole history.
func (b *LogBuffer) Lines(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		n = len(b.history)
	}
	return strings.Join(b.tailLocked(n), "")
}

func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
}

func (b *LogBuffer) tailLocked(n int) []string {
	if n <= 0 || len(b.history) == 0 {
		return nil
	}
	start := len(b.history) - n
	if start < 0 {
		start = 0
	}
	tail := make([]string, len(b.history)-start)
	copy(tail, b.history[start:])
	return tail
}
