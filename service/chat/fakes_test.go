package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatnow/service/relay"
	"chatnow/tools/errs"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var errEndpointClosed = errs.New("endpoint closed")

// fakeEndpoint is an in-memory transport. Tests push inbound frames with
// send and read what the server wrote with frames / next.
type fakeEndpoint struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	out      [][]byte
	wrote    chan struct{}
	deadline time.Time
	gate     chan struct{} // non-nil: writes wait until it closes
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
		wrote:  make(chan struct{}, 1024),
	}
}

func (f *fakeEndpoint) Read() ([]byte, error) {
	f.mu.Lock()
	dl := f.deadline
	f.mu.Unlock()
	var timer <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timer = t.C
	}
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, errEndpointClosed
	case <-timer:
		return nil, timeoutErr{}
	}
}

func (f *fakeEndpoint) Write(p []byte) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.closed:
			return errEndpointClosed
		}
	}
	select {
	case <-f.closed:
		return errEndpointClosed
	default:
	}
	f.mu.Lock()
	f.out = append(f.out, append([]byte(nil), p...))
	f.mu.Unlock()
	f.wrote <- struct{}{}
	return nil
}

func (f *fakeEndpoint) Ping() error { return nil }

// hold makes the peer stop reading: writes block until the endpoint closes.
func (f *fakeEndpoint) hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeEndpoint) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeEndpoint) RemoteAddr() string { return "fake" }

func (f *fakeEndpoint) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send queues an inbound frame.
func (f *fakeEndpoint) send(event string, data any) {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(Frame{Event: event, Data: raw})
	f.in <- b
}

func (f *fakeEndpoint) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, 0, len(f.out))
	for _, b := range f.out {
		var fr Frame
		_ = json.Unmarshal(b, &fr)
		out = append(out, fr)
	}
	return out
}

func (f *fakeEndpoint) events() []string {
	var out []string
	for _, fr := range f.frames() {
		out = append(out, fr.Event)
	}
	return out
}

// presenceOf lists the statuses announced for userID, in arrival order.
func (f *fakeEndpoint) presenceOf(userID string) []Status {
	return presenceIn(f.frames(), userID)
}

func presenceIn(frames []Frame, userID string) []Status {
	var out []Status
	for _, fr := range frames {
		var p PresencePayload
		if fr.Event == EventPresenceChanged && json.Unmarshal(fr.Data, &p) == nil && p.UserID == userID {
			out = append(out, p.Status)
		}
	}
	return out
}

// waitFor blocks until a frame with event arrives or the timeout passes.
func (f *fakeEndpoint) waitFor(event string, timeout time.Duration) (Frame, bool) {
	deadline := time.After(timeout)
	for {
		for _, fr := range f.frames() {
			if fr.Event == event {
				return fr, true
			}
		}
		select {
		case <-f.wrote:
		case <-deadline:
			return Frame{}, false
		}
	}
}

type fakeAuth struct {
	users map[string]string // token -> user
	err   error
	delay time.Duration
}

func (a *fakeAuth) Authenticate(ctx context.Context, token string) (string, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.err != nil {
		return "", a.err
	}
	u, ok := a.users[token]
	if !ok {
		return "", errs.ErrBadCredential.WrapMsg("unknown token")
	}
	return u, nil
}

type fakeDirectory struct {
	mu           sync.Mutex
	participants map[string][]string // conversation -> users
	err          error
}

func (d *fakeDirectory) IsParticipant(_ context.Context, conv, user string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	for _, u := range d.participants[conv] {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) ContactsOf(_ context.Context, user string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	seen := map[string]bool{}
	var out []string
	for _, us := range d.participants {
		in := false
		for _, u := range us {
			in = in || u == user
		}
		if !in {
			continue
		}
		for _, u := range us {
			if u != user && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// memRelay connects routers in one process, like a broker would.
type memRelay struct {
	mu       sync.Mutex
	handlers []relay.Handler
	sent     []relay.Envelope
	fail     error
}

func (m *memRelay) Publish(ctx context.Context, env relay.Envelope) error {
	m.mu.Lock()
	if m.fail != nil {
		m.mu.Unlock()
		return m.fail
	}
	m.sent = append(m.sent, env)
	hs := append([]relay.Handler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range hs {
		h(ctx, env)
	}
	return nil
}

func (m *memRelay) Subscribe(_ context.Context, h relay.Handler) error {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
	return nil
}

func (m *memRelay) Close() error { return nil }

// recordingOut captures deliveries by connection.
type recordingOut struct {
	mu     sync.Mutex
	frames map[string][]Frame
	fail   map[string]error
}

func newRecordingOut() *recordingOut {
	return &recordingOut{frames: map[string][]Frame{}, fail: map[string]error{}}
}

func (o *recordingOut) deliver(connID string, frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[connID]; err != nil {
		return err
	}
	var fr Frame
	_ = json.Unmarshal(frame, &fr)
	o.frames[connID] = append(o.frames[connID], fr)
	return nil
}

func (o *recordingOut) presence(connID, userID string) []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return presenceIn(o.frames[connID], userID)
}

func (o *recordingOut) events(connID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, fr := range o.frames[connID] {
		out = append(out, fr.Event)
	}
	return out
}

func (o *recordingOut) get(connID string) []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Frame(nil), o.frames[connID]...)
}

// presenceLog collects presence events delivered by Flush.
type presenceLog struct {
	mu  sync.Mutex
	evs []PresenceEvent
}

func (l *presenceLog) add(ev PresenceEvent) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *presenceLog) all() []PresenceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PresenceEvent(nil), l.evs...)
}
