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

// Package localsrv implements the Local & Container Session Registry
// (spec §4.4): it owns pseudo-terminal child processes for host shells
// and for container exec, mediates their I/O, and tracks lifecycle.
//
// Registry shape follows the same Config/CheckAndSetDefaults and
// mutex-guarded map pattern as lib/remotesrv, itself adapted from
// lib/reversetunnel/rc_manager.go. PTY spawning uses github.com/creack/pty,
// the library Teleport's own vendored copy reaches for instead of
// hand-rolling the platform ioctls.
package localsrv

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/containerrt"
	"github.com/zmb3/termgateway/lib/gwerrors"
	"github.com/zmb3/termgateway/lib/session"
	"github.com/zmb3/termgateway/lib/store"
	"github.com/zmb3/termgateway/lib/utils"
)

// Client is the owning-client reference a Session is bound to (§4.5).
type Client interface {
	SendData(sessionID session.ID, data []byte)
	SendExit(sessionID session.ID, code int)
	SendClosed(sessionID session.ID)
}

// Config bundles the registry's dependencies.
type Config struct {
	ContainerRT *containerrt.Adapter
	Store       *store.Store
	Clock       clockwork.Clock
	Log         logrus.FieldLogger
	// Shell overrides the platform default shell; tests substitute a
	// small, deterministic program.
	Shell string
	// CWDRefreshDelay is how long Input waits after seeing a directory
	// change before re-querying the child's working directory.
	CWDRefreshDelay time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.ContainerRT == nil {
		return trace.BadParameter("missing ContainerRT")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, termgateway.ComponentLocal)
	}
	if c.Shell == "" {
		c.Shell = defaultShell()
	}
	if c.CWDRefreshDelay == 0 {
		c.CWDRefreshDelay = 400 * time.Millisecond
	}
	return nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// lsession is one live local-shell or container-shell session.
type lsession struct {
	id            session.ID
	kind          session.Kind
	title         string
	cols, rows    int
	pty           *os.File
	cmd           *exec.Cmd
	containerName string // container-kind only
	cwd           string
	client        Client
	tracker       *session.Tracker
}

// Registry is the Local & Container Session Registry.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[session.ID]*lsession
	counter  int // for default "Terminal N" titles

	// bufPool recycles the chunk buffers pump uses to forward PTY output,
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
		sessions: make(map[session.ID]*lsession),
		bufPool:  utils.NewBufferSyncPool(32 * 1024),
	}, nil
}

// Created is the result of a successful create/duplicate.
type Created struct {
	ID    session.ID
	Title string
}

var cdPattern = regexp.MustCompile(`(^|[;&|\n])\s*cd\s`)

// CreateLocal spawns the platform default shell under a new pseudo-terminal
// with the given geometry and the user's home directory. If kubeContext is
// non-empty, the child is sent a context-selection command shortly after
// spawn (§4.4).
func (r *Registry) CreateLocal(client Client, cols, rows int, title, kubeContext string) (*Created, error) {
	cols, rows = normalizeGeometry(cols, rows)

	home := homeDir()
	cmd := exec.Command(r.cfg.Shell)
	cmd.Dir = home
	cmd.Env = os.Environ()
	if kubeContext != "" {
		cmd.Env = append(cmd.Env, "TERMGATEWAY_KUBE_CONTEXT="+kubeContext)
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, gwerrors.New(gwerrors.SpawnFailed, trace.Wrap(err))
	}

	id := session.NewID()
	if title == "" {
		r.mu.Lock()
		r.counter++
		title = defaultTitle(r.counter)
		r.mu.Unlock()
	}

	sess := &lsession{
		id: id, kind: session.KindLocal, title: title,
		cols: cols, rows: rows, pty: f, cmd: cmd, cwd: home,
		client: client, tracker: session.NewTracker(),
	}
	sess.tracker.SetState(session.StateRunning)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	if kubeContext != "" {
		r.sendKubeContextSelection(sess, kubeContext)
	}

	go r.pump(sess)
	go r.waitExit(sess)

	return &Created{ID: id, Title: title}, nil
}

// sendKubeContextSelection writes a single `kubectl config use-context` line
// followed by a confirmation echo after a brief delay, giving the shell time
// to reach its prompt (§4.4; timing strategy is an open question — see
// DESIGN.md). No other context-selection line is sent.
func (r *Registry) sendKubeContextSelection(sess *lsession, kubeContext string) {
	time.AfterFunc(300*time.Millisecond, func() {
		sess.pty.Write([]byte("kubectl config use-context " + kubeContext + "\r"))
		sess.pty.Write([]byte("echo context " + kubeContext + " selected\r"))
	})
}

// CreateSandbox ensures image is present, creates a detached container
// named for a freshly generated session id, then spawns its exec shell
// under a new pseudo-terminal.
func (r *Registry) CreateSandbox(client Client, cols, rows int, image, title string) (*Created, error) {
	cols, rows = normalizeGeometry(cols, rows)

	id := session.NewID()
	if err := r.cfg.ContainerRT.EnsureImage(context.Background(), image); err != nil {
		return nil, err
	}
	containerName, err := r.cfg.ContainerRT.CreateContainer(context.Background(), id, image)
	if err != nil {
		return nil, err
	}

	bin, argv := r.cfg.ContainerRT.ExecSpec(containerName)
	cmd := exec.Command(bin, argv...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		r.cfg.ContainerRT.Stop(context.Background(), containerName)
		return nil, gwerrors.New(gwerrors.SpawnFailed, trace.Wrap(err))
	}

	if title == "" {
		title = "Sandbox " + image
	}

	sess := &lsession{
		id: id, kind: session.KindContainer, title: title,
		cols: cols, rows: rows, pty: f, cmd: cmd,
		containerName: containerName, cwd: "/",
		client: client, tracker: session.NewTracker(),
	}
	sess.tracker.SetState(session.StateRunning)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.pump(sess)
	go r.waitExit(sess)

	return &Created{ID: id, Title: title}, nil
}

// Duplicate branches on the original's kind. Container sessions share the
// live container (no new record, no ref-count: the original remains the
// container's sole owner). Local sessions are respawned at the original's
// best-effort current working directory.
func (r *Registry) Duplicate(client Client, id session.ID) (*Created, error) {
	orig := r.lookup(id)
	if orig == nil {
		return nil, gwerrors.Newf(gwerrors.UnknownSession, "unknown session %s", id)
	}

	switch orig.kind {
	case session.KindContainer:
		return r.duplicateContainer(client, orig)
	case session.KindLocal:
		return r.duplicateLocal(client, orig)
	default:
		return nil, trace.BadParameter("localsrv cannot duplicate session kind %s", orig.kind)
	}
}

func (r *Registry) duplicateContainer(client Client, orig *lsession) (*Created, error) {
	bin, argv := r.cfg.ContainerRT.ExecSpec(orig.containerName)
	cmd := exec.Command(bin, argv...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(orig.rows), Cols: uint16(orig.cols)})
	if err != nil {
		return nil, gwerrors.New(gwerrors.SpawnFailed, trace.Wrap(err))
	}

	id := session.NewID()
	title := orig.title + " (copy)"
	sess := &lsession{
		id: id, kind: session.KindContainer, title: title,
		cols: orig.cols, rows: orig.rows, pty: f, cmd: cmd,
		containerName: orig.containerName, cwd: "/",
		client: client, tracker: session.NewTracker(),
	}
	sess.tracker.SetState(session.StateRunning)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.pump(sess)
	go r.waitExit(sess)

	return &Created{ID: id, Title: title}, nil
}

func (r *Registry) duplicateLocal(client Client, orig *lsession) (*Created, error) {
	cwd := r.refreshCWD(orig)

	cmd := exec.Command(r.cfg.Shell)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(orig.rows), Cols: uint16(orig.cols)})
	if err != nil {
		return nil, gwerrors.New(gwerrors.SpawnFailed, trace.Wrap(err))
	}

	id := session.NewID()
	title := orig.title + " (copy)"
	sess := &lsession{
		id: id, kind: session.KindLocal, title: title,
		cols: orig.cols, rows: orig.rows, pty: f, cmd: cmd, cwd: cwd,
		client: client, tracker: session.NewTracker(),
	}
	sess.tracker.SetState(session.StateRunning)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.pump(sess)
	go r.waitExit(sess)

	return &Created{ID: id, Title: title}, nil
}

// refreshCWD re-queries the child's working directory with the
// platform-specific probe, falling back to the last tracked value on any
// failure. Never returns an error: detection is always best-effort (§9).
func (r *Registry) refreshCWD(sess *lsession) string {
	if sess.cmd.Process == nil {
		return sess.cwd
	}
	if cwd, ok := childWorkingDir(sess.cmd.Process.Pid); ok {
		sess.cwd = cwd
	}
	return sess.cwd
}

// Input writes bytes to the pseudo-terminal. If the bytes look like a
// directory-change command, a deferred best-effort cwd refresh is
// scheduled.
func (r *Registry) Input(id session.ID, data []byte) {
	sess := r.lookup(id)
	if sess == nil {
		return
	}
	sess.pty.Write(data)
	if sess.kind == session.KindLocal && cdPattern.Match(data) {
		r.cfg.Clock.AfterFunc(r.cfg.CWDRefreshDelay, func() {
			r.refreshCWD(sess)
		})
	}
}

// Resize adjusts the pseudo-terminal geometry and records it.
func (r *Registry) Resize(id session.ID, cols, rows int) {
	sess := r.lookup(id)
	if sess == nil {
		return
	}
	cols, rows = normalizeGeometry(cols, rows)
	pty.Setsize(sess.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	sess.cols, sess.rows = cols, rows
}

// Close terminates the child, stops any owned container, removes the
// entry, and notifies the owning client. Safe to call more than once.
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
	r.closeSession(sess)
}

func (r *Registry) closeSession(sess *lsession) {
	if sess.tracker.State() == session.StateClosed {
		return
	}
	sess.tracker.SetState(session.StateClosing)
	sess.pty.Close()
	if sess.cmd.Process != nil {
		sess.cmd.Process.Kill()
	}
	if sess.kind == session.KindContainer {
		if err := r.cfg.ContainerRT.Stop(context.Background(), sess.containerName); err != nil {
			r.cfg.Log.WithError(err).Warn("Failed to stop sandbox container.")
		} else if still, err := r.cfg.ContainerRT.ContainerExists(context.Background(), sess.containerName); err == nil && still {
			r.cfg.Log.WithField("container", sess.containerName).Warn("Sandbox container still listed after stop, auto-removal may be delayed.")
		}
	}
	sess.tracker.SetState(session.StateClosed)
	sess.client.SendClosed(sess.id)
}

// pump forwards pseudo-terminal output to the client verbatim, tagged with
// the session id, with no line buffering or transcoding (§4.4).
func (r *Registry) pump(sess *lsession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.pty.Read(buf)
		if n > 0 {
			chunk := r.bufPool.Get()
			chunk.Reset()
			chunk.Write(buf[:n])
			sess.client.SendData(sess.id, chunk.Bytes())
			r.bufPool.Put(chunk)
		}
		if err != nil {
			return
		}
	}
}

// waitExit blocks for the child's exit, records the code, and drives Close.
func (r *Registry) waitExit(sess *lsession) {
	err := sess.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	sess.tracker.SetExitCode(code)
	sess.client.SendExit(sess.id, code)
	r.Close(sess.id)
}

func (r *Registry) lookup(id session.ID) *lsession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// CloseAllFor closes every session owned by client (§4.5 lifetime binding).
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
// client, used during process shutdown to terminate PTY children and
// sandbox containers before the process exits.
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

// Info is the public, listable shape of a session for GET /api/terminals.
type Info struct {
	ID    session.ID
	Title string
	Kind  session.Kind
}

// List returns every active local/container session's public fields.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, Info{ID: sess.id, Title: sess.title, Kind: sess.kind})
	}
	return out
}

func normalizeGeometry(cols, rows int) (int, int) {
	if cols == 0 {
		cols = termgateway.DefaultCols
	}
	if rows == 0 {
		rows = termgateway.DefaultRows
	}
	return cols, rows
}

func defaultTitle(n int) string {
	return "Terminal " + strconv.Itoa(n)
}

func homeDir() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return "/"
}
