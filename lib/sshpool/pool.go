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

// Package sshpool implements the Transport Pool (spec §4.1): a keyed cache
// of live ssh.Client transports, reference counted across the Remote
// Session Registry's live channels, with idle expiry.
//
// The shape is adapted from lib/reversetunnel's
// RemoteClusterTunnelManager — a mutex-guarded map keyed by a small struct,
// a Config/CheckAndSetDefaults pair, and a clockwork.Clock so idle expiry
// is deterministically testable.
package sshpool

import (
	"context"
	"net"
	"strconv"
	"strings"
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
)

// Config bundles the Pool's dependencies and tunables.
type Config struct {
	// IdleTimeout is how long an unreferenced entry survives before its
	// transport is closed.
	IdleTimeout time.Duration
	// DialTimeout bounds establishing a new transport.
	DialTimeout time.Duration
	// KeepAliveInterval is the period between keep-alive pings sent on a
	// live transport.
	KeepAliveInterval time.Duration
	// Clock is used for idle-close timers; overridden in tests.
	Clock clockwork.Clock
	// Log receives pool lifecycle events. Never logs credentials.
	Log logrus.FieldLogger
	// Dial opens the underlying network connection for a transport. Tests
	// override this to avoid real network I/O.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = termgateway.DefaultIdleTransportTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = termgateway.DefaultDialTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = termgateway.DefaultKeepAliveInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, termgateway.ComponentPool)
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	return nil
}

// entry is one pooled transport and its dependents.
type entry struct {
	client    *ssh.Client
	refCount  int
	idleTimer clockwork.Timer
	closed    bool
	keepAlive chan struct{} // closed to stop the keep-alive goroutine
}

// Pool is the Transport Pool.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[session.PoolKey]*entry
}

// New constructs a Pool from cfg.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:     cfg,
		entries: make(map[session.PoolKey]*entry),
	}, nil
}

// Acquire returns the live transport for params' pool key, establishing one
// if none exists. The caller must call Release exactly once for every
// successful Acquire.
func (p *Pool) Acquire(ctx context.Context, params remote.Params) (*ssh.Client, error) {
	key := params.Key()

	p.mu.Lock()
	if e, ok := p.entries[key]; ok && !e.closed {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		e.refCount++
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	client, err := p.dial(ctx, params)
	if err != nil {
		return nil, err
	}

	e := &entry{client: client, refCount: 1, keepAlive: make(chan struct{})}

	p.mu.Lock()
	if existing, ok := p.entries[key]; ok && !existing.closed {
		// Lost the race to a concurrent Acquire for the same key: use the
		// winner's transport and discard ours.
		existing.refCount++
		p.mu.Unlock()
		client.Close()
		return existing.client, nil
	}
	p.entries[key] = e
	p.mu.Unlock()

	go p.runKeepAlive(key, e)

	return client, nil
}

func (p *Pool) dial(ctx context.Context, params remote.Params) (*ssh.Client, error) {
	auth, err := authMethod(params)
	if err != nil {
		return nil, gwerrors.New(gwerrors.AuthFailed, err)
	}

	cfg := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(params.Host, portString(params.Port))

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := p.cfg.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, gwerrors.New(gwerrors.UnreachableHost, err)
	}

	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, gwerrors.New(gwerrors.AuthFailed, err)
		}
		return nil, gwerrors.New(gwerrors.TransportError, err)
	}

	return ssh.NewClient(sconn, chans, reqs), nil
}

// runKeepAlive pings the transport until it fails or the entry is removed.
// A ping failure (or the client's underlying connection closing for any
// other reason) removes the entry immediately, regardless of ref count, per
// §4.1 — dependent channels observe their own close event independently
// (decided in DESIGN.md's Open Questions).
func (p *Pool) runKeepAlive(key session.PoolKey, e *entry) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	connClosed := make(chan struct{})
	go func() {
		e.client.Wait()
		close(connClosed)
	}()

	for {
		select {
		case <-e.keepAlive:
			return
		case <-connClosed:
			p.cfg.Log.WithField("host", key.Host).Debug("Pooled transport closed, removing.")
			p.removeAndClose(key, e)
			return
		case <-ticker.Chan():
			_, _, err := e.client.SendRequest("keepalive@termgateway", true, nil)
			if err != nil {
				p.cfg.Log.WithField("host", key.Host).Warn("Pooled transport keep-alive failed, closing.")
				p.removeAndClose(key, e)
				return
			}
		}
	}
}

// Release decrements the ref count for params' pool key. At zero, an idle
// timer is armed; a subsequent Acquire before it fires disarms it.
func (p *Pool) Release(params remote.Params) {
	key := params.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.closed {
		return
	}
	e.refCount--
	if e.refCount < 0 {
		e.refCount = 0
	}
	if e.refCount == 0 {
		e.idleTimer = p.cfg.Clock.AfterFunc(p.cfg.IdleTimeout, func() {
			p.expire(key, e)
		})
	}
}

func (p *Pool) expire(key session.PoolKey, e *entry) {
	p.mu.Lock()
	current, ok := p.entries[key]
	if !ok || current != e || current.refCount != 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	e.closed = true
	close(e.keepAlive)
	e.client.Close()
}

func (p *Pool) removeAndClose(key session.PoolKey, e *entry) {
	p.mu.Lock()
	if current, ok := p.entries[key]; ok && current == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	e.closed = true
	e.client.Close()
}

// RefCount returns the live reference count for a pool key, used for
// introspection in tests (§8, scenario 2).
func (p *Pool) RefCount(key session.PoolKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && !e.closed {
		return e.refCount
	}
	return 0
}

// Shutdown cancels every idle timer and closes every live transport.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[session.PoolKey]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		if !e.closed {
			e.closed = true
			close(e.keepAlive)
			e.client.Close()
		}
	}
}

func authMethod(params remote.Params) ([]ssh.AuthMethod, error) {
	if params.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if params.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(params.PrivateKey), []byte(params.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(params.PrivateKey))
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(params.Password)}, nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return trace.IsAccessDenied(err) ||
		strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

func portString(port int) string {
	if port == 0 {
		port = 22
	}
	return strconv.Itoa(port)
}
