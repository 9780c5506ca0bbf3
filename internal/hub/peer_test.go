package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errSendFailed = errors.New("send failed")

// fakePeer is an in-memory Peer and Handshaker.
type fakePeer struct {
	id          uuid.UUID
	addr        string
	connectedAt time.Time

	credential []byte
	readErr    error
	failSend   bool
	onSend     func()

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakePeer(addr string) *fakePeer {
	return &fakePeer{id: uuid.New(), addr: addr, connectedAt: time.Now()}
}

func (p *fakePeer) ID() uuid.UUID          { return p.id }
func (p *fakePeer) RemoteAddr() string     { return p.addr }
func (p *fakePeer) ConnectedAt() time.Time { return p.connectedAt }

func (p *fakePeer) Send(payload []byte) error {
	if p.onSend != nil {
		p.onSend()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend || p.closed {
		return errSendFailed
	}
	p.sent = append(p.sent, append([]byte(nil), payload...))
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) ReadCredential(time.Duration) ([]byte, error) {
	if p.readErr != nil {
		return nil, p.readErr
	}
	return p.credential, nil
}

func (p *fakePeer) messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
