// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MaxClients bounds the number of simultaneous sessions.
const MaxClients = 128

// tickInterval paces keep-alives, idle checks and blacklist sweeps.
const tickInterval = time.Second

// ClientID identifies a session. IDs are random UUIDs and never reused.
type ClientID uuid.UUID

// NewClientID returns a fresh id.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// ParseClientID parses the string form of an id.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, validationError("ParseClientID", "invalid client id", err)
	}
	return ClientID(u), nil
}

func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ClientID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ClientID) UnmarshalText(text []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(text)
}

// InputHandler receives input from viewers allowed to send it.
type InputHandler interface {
	KeyEvent(id ClientID, keysym uint32, down bool)
	PointerEvent(id ClientID, mask ButtonMask, p Point)
	ClientCutText(id ClientID, text string)
}

type discardInput struct{}

func (discardInput) KeyEvent(ClientID, uint32, bool)          {}
func (discardInput) PointerEvent(ClientID, ButtonMask, Point) {}
func (discardInput) ClientCutText(ClientID, string)           {}

// AddClientOptions describe a connection handed to AddClient.
type AddClientOptions struct {
	// Outgoing marks connections the server dialed. Their loss triggers a
	// reconnect.
	Outgoing bool

	// RepeaterID is the id the connection was paired with, if any.
	RepeaterID string

	// Host overrides the address taken from the connection.
	Host string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = loggerOrNoOp(logger)
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithQuerier sets who is asked about connections that need confirmation.
func WithQuerier(q Querier) ServerOption {
	return func(s *Server) {
		s.querier = q
	}
}

// WithInputHandler sets the receiver of viewer input.
func WithInputHandler(h InputHandler) ServerOption {
	return func(s *Server) {
		if h != nil {
			s.input = h
		}
	}
}

// WithCodecRegistry replaces the default codec registry.
func WithCodecRegistry(r *CodecRegistry) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithAuthRegistry replaces the default security type registry.
func WithAuthRegistry(r *AuthRegistry) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.auth = r
		}
	}
}

// WithDialer sets the dialer used for outbound connections.
func WithDialer(d Dialer) ServerOption {
	return func(s *Server) {
		s.dialer = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is the session manager. Sessions start in the unauthenticated
// partition and move to the authenticated one once the handshake
// succeeds; only authenticated sessions receive updates.
type Server struct {
	desktop  Desktop
	cfg      Config
	registry *CodecRegistry
	auth     *AuthRegistry
	logger   Logger
	metrics  *Metrics
	querier  Querier
	input    InputHandler
	dialer   Dialer
	now      func() time.Time

	maxClients int

	clientsMu sync.RWMutex
	unauth    map[ClientID]*ClientConn
	authed    map[ClientID]*ClientConn

	notify      notifier
	blacklist   *Blacklist
	liveness    *Liveness
	broadcaster *Broadcaster
	reconnector *Reconnector

	policyMu    sync.RWMutex
	policy      Policy
	authHostPat []HostPattern

	shutdown atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// NewServer creates a server exporting desktop.
func NewServer(desktop Desktop, cfg Config, opts ...ServerOption) (*Server, error) {
	if desktop == nil {
		return nil, configurationError("NewServer", "desktop cannot be nil", nil)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	patterns, err := ParseAuthHosts(policy.AuthHosts)
	if err != nil {
		return nil, configurationError("NewServer", "invalid auth hosts", err)
	}

	s := &Server{
		desktop:     desktop,
		cfg:         cfg,
		registry:    NewCodecRegistry(),
		auth:        NewAuthRegistry(),
		logger:      &NoOpLogger{},
		input:       discardInput{},
		now:         time.Now,
		maxClients:  cfg.Session.MaxClients,
		unauth:      make(map[ClientID]*ClientConn),
		authed:      make(map[ClientID]*ClientConn),
		policy:      policy,
		authHostPat: patterns,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxClients <= 0 || s.maxClients > MaxClients {
		s.maxClients = MaxClients
	}
	if err := s.restrictEncodings(); err != nil {
		return nil, err
	}
	s.registry.SetLogger(s.logger)
	s.auth.SetLogger(s.logger)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.blacklist = NewBlacklist(
		WithBlacklistLimits(cfg.Security.BlacklistThreshold,
			cfg.Security.BlacklistWindow.Duration, cfg.Security.BlacklistCoolDown.Duration),
		WithBlacklistClock(s.now),
		WithBlacklistLogger(s.logger),
		WithBlacklistMetrics(s.metrics))
	s.liveness = NewLiveness(cfg.Session.KeepAliveInterval.Duration,
		cfg.Session.FileTransferTimeout.Duration, cfg.Session.IdleTimeout.Duration)
	s.broadcaster = newBroadcaster(s)
	s.reconnector = NewReconnector(ReconnectConfig{
		Dialer:          s.dialer,
		DialTimeout:     cfg.Reconnect.DialTimeout.Duration,
		InitialInterval: cfg.Reconnect.InitialInterval.Duration,
		MaxInterval:     cfg.Reconnect.MaxInterval.Duration,
		Connect:         s.connectOutgoing,
		Logger:          s.logger.With(Field{Key: "component", Value: "reconnect"}),
		Metrics:         s.metrics,
	})
	return s, nil
}

// restrictEncodings drops codec families the configuration does not list.
// Raw is always kept.
func (s *Server) restrictEncodings() error {
	families, err := s.cfg.EncodingFamilies()
	if err != nil || len(families) == 0 {
		return err
	}
	keep := map[CodecFamily]bool{FamilyRaw: true}
	for _, f := range families {
		keep[f] = true
	}
	for _, f := range s.registry.Families() {
		if !keep[f] {
			s.registry.Unregister(f)
		}
	}
	return nil
}

// Broadcaster returns the tracker capture should feed.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Blacklist returns the authentication failure tracker.
func (s *Server) Blacklist() *Blacklist { return s.blacklist }

// Liveness returns the keep-alive and idle settings.
func (s *Server) Liveness() *Liveness { return s.liveness }

// Reconnector returns the outbound connection actor.
func (s *Server) Reconnector() *Reconnector { return s.reconnector }

// Codecs returns the codec registry.
func (s *Server) Codecs() *CodecRegistry { return s.registry }

// AddClient starts a session on conn. The connection is closed on error.
func (s *Server) AddClient(conn net.Conn, opts AddClientOptions) (ClientID, error) {
	if s.shutdown.Load() {
		_ = conn.Close()
		return ClientID{}, ErrServerShutdown
	}

	s.clientsMu.Lock()
	if len(s.unauth)+len(s.authed) >= s.maxClients {
		s.clientsMu.Unlock()
		_ = conn.Close()
		s.metrics.ConnectionRejected("capacity")
		return ClientID{}, ErrTooManyClients
	}
	id := NewClientID()
	c := newClientConn(s, id, conn, opts)
	s.unauth[id] = c
	auth, unauth := len(s.authed), len(s.unauth)
	s.workers.Add(1)
	s.clientsMu.Unlock()

	s.metrics.SetClients(auth, unauth)
	s.metrics.ConnectionAdmitted(opts.Outgoing)
	s.DoNotify(Notification{Kind: ClientConnected, ClientID: id, Host: c.host, At: s.now()})
	c.logger.Info("Viewer connected", Field{Key: "outgoing", Value: opts.Outgoing})

	go func() {
		defer s.workers.Done()
		c.serve()
	}()
	return id, nil
}

// Authenticated moves a session to the authenticated partition. It returns
// false if the session is no longer unauthenticated.
func (s *Server) Authenticated(id ClientID) bool {
	s.clientsMu.Lock()
	c, ok := s.unauth[id]
	if !ok || s.shutdown.Load() {
		s.clientsMu.Unlock()
		return false
	}
	delete(s.unauth, id)
	s.authed[id] = c
	c.setState(StateAuthenticated)
	auth, unauth := len(s.authed), len(s.unauth)
	s.clientsMu.Unlock()

	s.blacklist.Succeed(c.host)
	s.metrics.SetClients(auth, unauth)
	s.DoNotify(Notification{Kind: ClientAuthenticated, ClientID: id, Host: c.host, At: s.now()})
	c.logger.Info("Viewer authenticated", Field{Key: "view_only", Value: c.ViewOnly()})
	return true
}

// RemoveClient drops a session from whichever partition holds it. It is
// called by the session itself once its goroutines have stopped.
func (s *Server) RemoveClient(id ClientID) bool {
	s.clientsMu.Lock()
	c, ok := s.authed[id]
	if ok {
		delete(s.authed, id)
	} else if c, ok = s.unauth[id]; ok {
		delete(s.unauth, id)
	}
	auth, unauth := len(s.authed), len(s.unauth)
	s.clientsMu.Unlock()
	if !ok {
		return false
	}

	s.metrics.SetClients(auth, unauth)
	s.DoNotify(Notification{Kind: ClientDisconnected, ClientID: id, Host: c.host, At: s.now()})
	c.logger.Info("Viewer removed")

	if c.outgoing && !s.shutdown.Load() {
		s.reconnector.RetryNow()
	}
	return true
}

// Client returns the session with id.
func (s *Server) Client(id ClientID) (*ClientConn, bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	if c, ok := s.authed[id]; ok {
		return c, true
	}
	c, ok := s.unauth[id]
	return c, ok
}

// KillClient disconnects one session.
func (s *Server) KillClient(id ClientID) error {
	c, ok := s.Client(id)
	if !ok {
		return ErrClientNotFound
	}
	c.Kill()
	return nil
}

// KillAuthClients disconnects every authenticated session.
func (s *Server) KillAuthClients() int {
	clients := s.authClients()
	for _, c := range clients {
		c.Kill()
	}
	return len(clients)
}

// KillUnauthClients disconnects every session still in the handshake.
func (s *Server) KillUnauthClients() int {
	s.clientsMu.RLock()
	clients := make([]*ClientConn, 0, len(s.unauth))
	for _, c := range s.unauth {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.Kill()
	}
	return len(clients)
}

// killOthers disconnects every authenticated session except keep. A viewer
// asking for exclusive access triggers it.
func (s *Server) killOthers(keep ClientID) {
	for _, c := range s.authClients() {
		if c.id != keep {
			c.logger.Info("Disconnecting for non-shared viewer")
			c.Kill()
		}
	}
}

// AuthClientCount returns the number of authenticated sessions.
func (s *Server) AuthClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.authed)
}

// UnauthClientCount returns the number of sessions in the handshake.
func (s *Server) UnauthClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.unauth)
}

// authClients returns the authenticated sessions in connection order.
func (s *Server) authClients() []*ClientConn {
	s.clientsMu.RLock()
	clients := make([]*ClientConn, 0, len(s.authed))
	for _, c := range s.authed {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].connectedAt.Before(clients[j].connectedAt)
	})
	return clients
}

func (s *Server) allClients() []*ClientConn {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	clients := make([]*ClientConn, 0, len(s.authed)+len(s.unauth))
	for _, c := range s.authed {
		clients = append(clients, c)
	}
	for _, c := range s.unauth {
		clients = append(clients, c)
	}
	return clients
}

// ListAuthClients describes the authenticated sessions.
func (s *Server) ListAuthClients() []ClientInfo {
	clients := s.authClients()
	out := make([]ClientInfo, len(clients))
	for i, c := range clients {
		out[i] = c.Info()
	}
	return out
}

// WaitUntilAuthEmpty blocks until no authenticated session remains or ctx
// is done.
func (s *Server) WaitUntilAuthEmpty(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.AuthClientCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return timeoutError("Server.WaitUntilAuthEmpty", "sessions still connected", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddNotify registers an observer of session events.
func (s *Server) AddNotify(ch chan<- Notification) {
	s.notify.add(ch)
}

// RemNotify unregisters an observer.
func (s *Server) RemNotify(ch chan<- Notification) bool {
	return s.notify.remove(ch)
}

// DoNotify delivers n to every observer without blocking.
func (s *Server) DoNotify(n Notification) int {
	return s.notify.notify(n)
}

// Policy returns a copy of the current policy.
func (s *Server) Policy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// SetCredentials replaces the passwords. Sessions already connected are
// not affected.
func (s *Server) SetCredentials(creds Credentials) error {
	if len(creds.Password) > VNCMaxPasswordLength || len(creds.ViewOnlyPassword) > VNCMaxPasswordLength {
		return validationError("Server.SetCredentials", "password too long", nil)
	}
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.Credentials = creds
	return nil
}

// SetAuthRequired refuses viewers when no password is configured.
func (s *Server) SetAuthRequired(required bool) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.AuthRequired = required
}

// SetAuthHosts replaces the host patterns.
func (s *Server) SetAuthHosts(list string) error {
	patterns, err := ParseAuthHosts(list)
	if err != nil {
		return err
	}
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.AuthHosts = list
	s.authHostPat = patterns
	return nil
}

// SetQuerySettings configures query-on-connect.
func (s *Server) SetQuerySettings(onConnect bool, timeout time.Duration, acceptByDefault bool) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.QueryOnConnect = onConnect
	s.policy.QueryTimeout = timeout
	s.policy.QueryAccept = acceptByDefault
}

// SetLoopback configures loopback admission.
func (s *Server) SetLoopback(allow, only bool) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.AllowLoopback = allow
	s.policy.LoopbackOnly = only
}

// SetRemoteInputs enables or disables input from all viewers.
func (s *Server) SetRemoteInputs(enable bool) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.EnableRemoteInputs = enable
}

// SetDesktopName sets the name sent in ServerInit.
func (s *Server) SetDesktopName(name string) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.DesktopName = name
}

// SetDesktopEffects records which desktop decorations capture should
// suppress while viewers are connected.
func (s *Server) SetDesktopEffects(wallpaper, effects, fontSmoothing bool) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy.RemoveWallpaper = wallpaper
	s.policy.RemoveEffects = effects
	s.policy.RemoveFontSmoothing = fontSmoothing
}

// VerifyHost decides whether a connection from host may proceed. Checks
// run in order: shutdown, blacklist, loopback rules, then the auth-hosts
// patterns. Loopback hosts that are allowed skip the patterns.
func (s *Server) VerifyHost(host string) Verdict {
	if s.shutdown.Load() {
		return VerdictReject
	}
	if s.blacklist.Blocked(host) {
		return VerdictReject
	}

	s.policyMu.RLock()
	p := s.policy
	patterns := s.authHostPat
	s.policyMu.RUnlock()

	if isLoopback(host) {
		if !p.AllowLoopback {
			return VerdictReject
		}
		return VerdictAccept
	}
	if p.LoopbackOnly {
		return VerdictReject
	}

	verdict := VerdictAccept
	if p.QueryOnConnect {
		verdict = VerdictQuery
	}
	if v, ok := matchHost(patterns, host); ok {
		verdict = v
	}
	return verdict
}

// resolveQuery asks the querier about host. No querier, an error or a
// timeout yields the configured default.
func (s *Server) resolveQuery(ctx context.Context, host string) bool {
	p := s.Policy()
	if s.querier == nil {
		return p.QueryAccept
	}
	if p.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.QueryTimeout)
		defer cancel()
	}

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := s.querier.Query(ctx, host)
		ch <- answer{ok, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			s.logger.Warn("Connection query failed", Field{Key: "host", Value: host}, Field{Key: "error", Value: a.err})
			return p.QueryAccept
		}
		return a.ok
	case <-ctx.Done():
		s.logger.Info("Connection query timed out", Field{Key: "host", Value: host},
			Field{Key: "accept", Value: p.QueryAccept})
		return p.QueryAccept
	}
}

// Admit runs admission for an incoming connection and starts a session if
// it passes. It may block while the local user is asked.
func (s *Server) Admit(ctx context.Context, conn net.Conn) (ClientID, error) {
	host := hostOf(conn.RemoteAddr())
	switch s.VerifyHost(host) {
	case VerdictReject:
		_ = conn.Close()
		s.metrics.ConnectionRejected("policy")
		s.logger.Info("Connection rejected", Field{Key: "host", Value: host})
		return ClientID{}, rejectedError("Server.Admit", "connection from "+host+" rejected", nil)
	case VerdictQuery:
		if !s.resolveQuery(ctx, host) {
			_ = conn.Close()
			s.metrics.ConnectionRejected("query")
			return ClientID{}, rejectedError("Server.Admit", "connection from "+host+" declined", nil)
		}
	}
	return s.AddClient(conn, AddClientOptions{Host: host})
}

// Serve accepts viewers on l until ctx is done or l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	s.logger.Info("Listening for viewers", Field{Key: "address", Value: l.Addr().String()})

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return networkError("Server.Serve", "accept failed", err)
		}
		go func() {
			if _, err := s.Admit(ctx, conn); err != nil {
				s.logger.Debug("Connection not admitted", Field{Key: "error", Value: err})
			}
		}()
	}
}

// connectOutgoing is the reconnector's hand-off.
func (s *Server) connectOutgoing(conn net.Conn, target ReconnectTarget) error {
	_, err := s.AddClient(conn, AddClientOptions{Outgoing: true, RepeaterID: target.RepeaterID})
	return err
}

// Connect starts dialing target and keeps reconnecting after each
// disconnect.
func (s *Server) Connect(target ReconnectTarget) error {
	if s.shutdown.Load() {
		return ErrServerShutdown
	}
	return s.reconnector.Start(target)
}

// UpdateClipboard sends text to every authenticated viewer.
func (s *Server) UpdateClipboard(text string) {
	for _, c := range s.authClients() {
		if err := c.SendClipboard(text); err != nil {
			c.logger.Debug("Clipboard not sent", Field{Key: "error", Value: err})
		}
	}
}

// Bell rings every authenticated viewer's bell.
func (s *Server) Bell() {
	for _, c := range s.authClients() {
		if err := c.Bell(); err != nil {
			c.logger.Debug("Bell not sent", Field{Key: "error", Value: err})
		}
	}
}

// tick sends due keep-alives, drops idle sessions and sweeps the
// blacklist.
func (s *Server) tick(now time.Time) {
	for _, c := range s.allClients() {
		check := s.liveness.check(now, c.LastInput(), c.lastKeepAlive())
		switch {
		case check.idle:
			c.logger.Info("Disconnecting idle viewer")
			s.metrics.IdleDisconnect()
			c.Kill()
		case check.keepAlive:
			if c.sendKeepAlive(now) {
				s.metrics.KeepAliveSent()
			}
		}
	}
	s.blacklist.Sweep()
}

// Run drives the reconnector and the periodic checks until ctx is done,
// then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.reconnector.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.tick(s.now())
			}
		}
	})
	if addr := s.cfg.Reconnect.Address; addr != "" {
		if err := s.Connect(ReconnectTarget{Address: addr, RepeaterID: s.cfg.Reconnect.RepeaterID}); err != nil {
			s.logger.Warn("Reconnect target not started", Field{Key: "error", Value: err})
		}
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return err
}

// Shutdown refuses new connections, disconnects every session and waits
// for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Shutting down")
	s.reconnector.Shutdown()
	s.KillAuthClients()
	s.KillUnauthClients()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return timeoutError("Server.Shutdown", "sessions did not finish", ctx.Err())
	}
}
