package relay

import "sync"

// Registry tracks the live sessions and the single funding-worker
// connection. Sessions are keyed by session id; a second connection for the
// same id replaces the first.
type Registry struct {
	mtx         sync.Mutex
	sessions    map[string]*Session
	fundingConn Conn
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
	}
}

func (r *Registry) Add(session *Session) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.sessions[session.ID()] = session
}

func (r *Registry) Get(sessionID string) *Session {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.sessions[sessionID]
}

func (r *Registry) Remove(sessionID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) SessionCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.sessions)
}

// SetFundingConn records the current funding-worker connection. The worker
// reconnects after a drop, so the newest connection always wins.
func (r *Registry) SetFundingConn(conn Conn) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.fundingConn = conn
}

func (r *Registry) FundingConn() Conn {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.fundingConn
}

// ClearFundingConn forgets the worker connection, but only when the closing
// connection is still the current one.
func (r *Registry) ClearFundingConn(conn Conn) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.fundingConn == conn {
		r.fundingConn = nil
	}
}
