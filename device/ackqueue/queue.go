package ackqueue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gridpulse/fleetsched/core/model"
)

// envelope is one line of the queue file.
type envelope struct {
	Seq int64                 `json:"seq"`
	Ack model.Acknowledgement `json:"ack"`
}

// Queue is a durable FIFO of pending acknowledgements. Entries are
// appended to a JSONL log before Enqueue returns; a sidecar offset file
// records the last delivered sequence so a restart resumes exactly where
// delivery stopped. Entries are never dropped.
type Queue struct {
	mu         sync.Mutex
	path       string
	offsetPath string
	nextSeq    int64
	delivered  int64
}

// Open opens or creates the queue files at path (the offset sidecar is
// path + ".offset") and replays them to recover the pending window.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path, offsetPath: path + ".offset", nextSeq: 1}
	if err := q.recover(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) recover() error {
	if b, err := os.ReadFile(q.offsetPath); err == nil {
		n, perr := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if perr != nil {
			return fmt.Errorf("corrupt offset file %s: %w", q.offsetPath, perr)
		}
		q.delivered = n
	} else if !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			// A torn final line from a crash mid-append is recoverable:
			// the entry was never acknowledged as enqueued.
			continue
		}
		if env.Seq >= q.nextSeq {
			q.nextSeq = env.Seq + 1
		}
	}
	return scanner.Err()
}

// Enqueue durably appends the acknowledgement and returns once it is on disk.
func (q *Queue) Enqueue(ack model.Acknowledgement) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	env := envelope{Seq: q.nextSeq, Ack: ack}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	q.nextSeq++
	return nil
}

// Pending returns all undelivered acknowledgements in enqueue order.
func (q *Queue) Pending() ([]model.Acknowledgement, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() ([]model.Acknowledgement, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []model.Acknowledgement
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.Seq > q.delivered {
			out = append(out, env.Ack)
		}
	}
	return out, scanner.Err()
}

// compactAfter is the consumed-prefix length that triggers a log rewrite.
const compactAfter = 256

// MarkDelivered advances the delivered cursor by n entries and persists
// it. Once the consumed prefix passes compactAfter entries the log is
// rewritten with only the pending tail, keeping the file bounded.
func (q *Queue) MarkDelivered(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delivered += int64(n)
	if q.delivered >= compactAfter {
		return q.compactLocked()
	}
	return q.writeOffsetLocked()
}

// compactLocked rewrites the log with the pending entries renumbered from
// one and resets the cursor. The offset is reset before the rename: a
// crash in between replays already-delivered entries, which the receiver
// deduplicates, instead of losing pending ones.
func (q *Queue) compactLocked() error {
	pending, err := q.pendingLocked()
	if err != nil {
		return err
	}
	q.delivered = 0
	if err := q.writeOffsetLocked(); err != nil {
		return err
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i, ack := range pending {
		b, err := json.Marshal(envelope{Seq: int64(i) + 1, Ack: ack})
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return err
	}
	q.nextSeq = int64(len(pending)) + 1
	return nil
}

func (q *Queue) writeOffsetLocked() error {
	tmp := q.offsetPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(q.delivered, 10)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.offsetPath)
}

// Len returns the number of undelivered acknowledgements.
func (q *Queue) Len() (int, error) {
	pending, err := q.Pending()
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
