// Copyright 2022 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package remotesrv implements the Remote Session Registry (spec §4.2): it
// owns interactive remote shell channels opened over the Transport Pool and
// routes bytes between a channel and its owning client.
//
// The registry shape — a Config/CheckAndSetDefaults pair and a
// mutex-guarded map keyed by session id — is adapted from
// RemoteClusterTunnelManager in lib/reversetunnel/rc_manager.go, the
// richest pooled-resource registry in Teleport's tree.
package remotesrv

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/gwerrors"
	"github.com/zmb3/termgateway/lib/remote"
	"github.com/zmb3/termgateway/lib/session"
	"github.com/zmb3/termgateway/lib/sshpool"
	"github.com/zmb3/termgateway/lib/store"
	"github.com/zmb3/termgateway/lib/utils"
)

// Client is the owning-client reference a Session is bound to. The Client
// Gateway's per-connection handler satisfies this; the registry never
// inspects it beyond identity (reference equality, per §4.5) and the two
// outbound notifications below.
type Client interface {
	// SendData delivers an ssh_data frame for sessionID. Implementations
	// must not block the registry's forwarding goroutine indefinitely;
	// per §4.5, a non-writable client may simply drop the frame.
	SendData(sessionID session.ID, data []byte)
	// SendClosed delivers a single ssh_closed frame for sessionID.
	SendClosed(sessionID session.ID)
}

// Config bundles the registry's dependencies.
type Config struct {
	Pool  *sshpool.Pool
	Store *store.Store
	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing Pool")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, termgateway.ComponentRemote)
	}
	return nil
}

// shellChannel is the narrow slice of *ssh.Session this registry drives: an
// input pipe plus two independently readable output streams and a window
// resize. golang.org/x/crypto/ssh has no raw shell-channel type separate
// from a Session, so sessionChannel below adapts one to this shape.
type shellChannel interface {
	Write(p []byte) (int, error)
	Stdout() io.Reader
	Stderr() io.Reader
	WindowChange(rows, cols int) error
	Close() error
}

// rsession is one live remote shell channel.
type rsession struct {
	id       session.ID
	title    string
	params   remote.Params
	client   Client
	channel  shellChannel
	tracker  *session.Tracker
	cols     int
	rows     int
	lastSeen time.Time
}

// Registry is the Remote Session Registry.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[session.ID]*rsession

	// bufPool recycles the chunk buffers pump uses to forward stdout/stderr,
	// avoiding a fresh allocation per read.
	bufPool *utils.BufferSyncPool
}

// New constructs a Registry from cfg.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[session.ID]*rsession),
		bufPool:  utils.NewBufferSyncPool(32 * 1024),
	}, nil
}

// Created is the result of a successful create/duplicate/reconnect.
type Created struct {
	ID     session.ID
	Title  string
	Params remote.Params // credential-stripped
}

// Create acquires a pooled transport for params, opens a shell channel with
// the requested terminal type and geometry, and registers the session under
// a freshly minted id.
func (r *Registry) Create(ctx context.Context, client Client, params remote.Params) (*Created, error) {
	return r.createWithID(ctx, client, params, session.NewID())
}

// createWithID is Create's implementation, parameterized on the id the new
// session is registered under. Reconnect uses this to resume under the
// original identifier instead of minting a new one.
func (r *Registry) createWithID(ctx context.Context, client Client, params remote.Params, id session.ID) (*Created, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	sshClient, err := r.cfg.Pool.Acquire(ctx, params)
	if err != nil {
		return nil, err
	}

	channel, err := r.openShell(sshClient, params)
	if err != nil {
		r.cfg.Pool.Release(params)
		return nil, gwerrors.New(gwerrors.RemoteOpenFailed, err)
	}

	sess := &rsession{
		id:       id,
		title:    params.Title(),
		params:   params,
		client:   client,
		channel:  channel,
		tracker:  session.NewTracker(),
		cols:     params.Cols,
		rows:     params.Rows,
		lastSeen: r.cfg.Clock.Now(),
	}
	sess.tracker.SetState(session.StateRunning)

	r.mu.Lock()
	prior, hadPrior := r.sessions[id]
	r.sessions[id] = sess
	r.mu.Unlock()
	if hadPrior {
		// id was still occupied by a stale entry (e.g. a reconnect racing
		// its own not-yet-observed close); tear it down without a second
		// notification since the client is about to get a fresh one.
		r.closeSession(prior, false)
	}

	go r.forward(sess)

	if err := r.cfg.Store.SaveParams(id, params); err != nil {
		r.cfg.Log.WithError(err).Warn("Failed to persist remote session params.")
	}

	return &Created{ID: id, Title: sess.title, Params: params.Safe()}, nil
}

func (r *Registry) openShell(client *ssh.Client, params remote.Params) (shellChannel, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(params.Term, params.Rows, params.Cols, modes); err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	return &sessionChannel{session: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Duplicate reads the original's saved parameters and creates a second,
// independent session that shares the same pooled transport.
func (r *Registry) Duplicate(ctx context.Context, client Client, id session.ID) (*Created, error) {
	params, err := r.cfg.Store.LoadParams(id)
	if err != nil {
		return nil, err
	}
	return r.Create(ctx, client, params)
}

// Reconnect looks up persisted parameters for id and opens a fresh channel
// over them, registered under the same id so the caller recognizes the
// result as the same logical session (§4.2).
func (r *Registry) Reconnect(ctx context.Context, client Client, id session.ID) (*Created, error) {
	params, err := r.cfg.Store.LoadParams(id)
	if err != nil {
		return nil, err
	}
	return r.createWithID(ctx, client, params, id)
}

// Input writes bytes to the channel and refreshes last-activity. Unknown
// session ids are silently dropped per §7.
func (r *Registry) Input(id session.ID, data []byte) {
	sess := r.lookup(id)
	if sess == nil {
		return
	}
	sess.lastSeen = r.cfg.Clock.Now()
	sess.channel.Write(data)
}

// Resize sends a window-change request and records the new geometry.
func (r *Registry) Resize(id session.ID, cols, rows int) {
	sess := r.lookup(id)
	if sess == nil {
		return
	}
	sess.channel.WindowChange(rows, cols)
	sess.cols, sess.rows = cols, rows
}

// Close ends the channel, releases the pooled transport, removes the
// entry, and notifies the owning client. Safe to call more than once; only
// the first call produces a notification.
func (r *Registry) Close(id session.ID) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.closeSession(sess, true)
}

func (r *Registry) closeSession(sess *rsession, notify bool) {
	if sess.tracker.State() == session.StateClosed {
		return
	}
	sess.tracker.SetState(session.StateClosing)
	sess.channel.Close()
	r.cfg.Pool.Release(sess.params)
	sess.tracker.SetState(session.StateClosed)
	if notify {
		sess.client.SendClosed(sess.id)
	}
}

// forward copies channel output to the client as ssh_data frames until the
// channel closes, then drives Close. Standard output and standard error are
// each forwarded on their own goroutine so neither stream can stall the
// other, while arrival order within a stream is preserved by construction
// (a single reader per stream, writing frames as it reads).
func (r *Registry) forward(sess *rsession) {
	var wg sync.WaitGroup
	wg.Add(2)
	go r.pump(sess, sess.channel.Stdout(), &wg)
	go r.pump(sess, sess.channel.Stderr(), &wg)
	wg.Wait()
	r.Close(sess.id)
}

func (r *Registry) pump(sess *rsession, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := r.bufPool.Get()
			chunk.Reset()
			chunk.Write(buf[:n])
			sess.lastSeen = r.cfg.Clock.Now()
			sess.client.SendData(sess.id, chunk.Bytes())
			r.bufPool.Put(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (r *Registry) lookup(id session.ID) *rsession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// CloseAllFor closes every session owned by client, used by the Client
// Gateway's lifetime-binding cleanup (§4.5) on disconnect.
func (r *Registry) CloseAllFor(client Client) {
	r.mu.Lock()
	var owned []session.ID
	for id, sess := range r.sessions {
		if sess.client == client {
			owned = append(owned, id)
		}
	}
	r.mu.Unlock()
	for _, id := range owned {
		r.Close(id)
	}
}

// CloseAll closes every live session in the registry regardless of owning
// client, used during process shutdown to drain sessions before the
// Transport Pool itself is torn down.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]session.ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// List returns the credential-stripped params of every active session, for
// GET /api/ssh-sessions.
func (r *Registry) List() []Created {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Created, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, Created{ID: sess.id, Title: sess.title, Params: sess.params.Safe()})
	}
	return out
}

// sessionChannel adapts an *ssh.Session's three pipes to shellChannel.
type sessionChannel struct {
	session *ssh.Session
	stdin   io.Writer
	stdout  io.Reader
	stderr  io.Reader
}

func (s *sessionChannel) Write(p []byte) (int, error)       { return s.stdin.Write(p) }
func (s *sessionChannel) Stdout() io.Reader                 { return s.stdout }
func (s *sessionChannel) Stderr() io.Reader                 { return s.stderr }
func (s *sessionChannel) WindowChange(rows, cols int) error { return s.session.WindowChange(rows, cols) }
func (s *sessionChannel) Close() error                      { return s.session.Close() }
