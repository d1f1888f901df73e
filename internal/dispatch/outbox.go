package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/wal"
	"github.com/segmentio/encoding/json"
)

// Outbound is where locally authored messages go. Direct sends inline, the
// Outbox persists first and lets a Publisher send.
type Outbound interface {
	Send(ctx context.Context, recipient protocol.Identity, msg *protocol.Message) error
}

// Direct sends through the dispatcher on the caller's goroutine.
type Direct struct {
	D *Dispatcher
}

func (d Direct) Send(ctx context.Context, recipient protocol.Identity, msg *protocol.Message) error {
	_, err := d.D.Send(ctx, recipient, msg)
	return err
}

// outboxRecord is one pending send in the outbox log.
type outboxRecord struct {
	To   protocol.Identity `json:"to"`
	Hash string            `json:"hash"`
	Raw  []byte            `json:"raw"`
}

const (
	outboxFile = "outbox.wal"
	cursorFile = "outbox.cursor"
)

// Outbox is a durable queue of outbound messages. Enqueue returns once the
// record is fsynced; delivery happens later in a Publisher.
type Outbox struct {
	mu     sync.Mutex
	w      *wal.Writer
	path   string
	cursor string
	notify chan struct{}
}

var _ Outbound = (*Outbox)(nil)

func OpenOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, outboxFile)
	// 崩溃留下的半条记录先截掉，否则后续追加会接在坏尾巴后面
	st, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func([]byte) error { return nil })
	if err != nil {
		return nil, err
	}
	if st.TruncatedTail {
		if err := wal.TruncateTo(path, st.LastGoodOffset); err != nil {
			return nil, err
		}
	}
	w, err := wal.OpenWrite(path, 0)
	if err != nil {
		return nil, err
	}
	return &Outbox{
		w:      w,
		path:   path,
		cursor: filepath.Join(dir, cursorFile),
		notify: make(chan struct{}, 1),
	}, nil
}

func (o *Outbox) Send(ctx context.Context, recipient protocol.Identity, msg *protocol.Message) error {
	return o.Enqueue(ctx, recipient, msg)
}

func (o *Outbox) Enqueue(_ context.Context, recipient protocol.Identity, msg *protocol.Message) error {
	if msg == nil || len(msg.Raw()) == 0 {
		return errors.New("dispatch: message has no encoding")
	}
	b, err := json.Marshal(outboxRecord{To: recipient, Hash: msg.Hash.String(), Raw: msg.Raw()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	err = o.w.Append(b)
	if err == nil {
		err = o.w.Flush()
	}
	o.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of bytes not yet acknowledged by the publisher.
func (o *Outbox) Pending() int64 {
	o.mu.Lock()
	end := o.w.Offset()
	o.mu.Unlock()
	return end - loadCursor(o.cursor)
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Close()
}

// cursor 文件：8 字节 little endian offset
func loadCursor(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil || len(b) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b[:8]))
}

func storeCursor(path string, off int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(off))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b[:], 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
