// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// Reconnect defaults.
const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ReconnectTarget is where the server dials out to. With a RepeaterID the
// address is a repeater and the id is sent first to pair the connection
// with a waiting viewer.
type ReconnectTarget struct {
	Address    string `json:"address"`
	RepeaterID string `json:"repeater_id,omitempty"`
}

// Validate checks the address and repeater id.
func (t ReconnectTarget) Validate() error {
	if _, _, err := net.SplitHostPort(t.Address); err != nil {
		return validationError("ReconnectTarget.Validate", "address must be host:port", err)
	}
	if t.RepeaterID != "" {
		return newInputValidator().ValidateRepeaterID(t.RepeaterID)
	}
	return nil
}

// ReconnectStatus is a snapshot of the reconnect state.
type ReconnectStatus struct {
	Active      bool            `json:"active"`
	Dialing     bool            `json:"dialing"`
	Connected   bool            `json:"connected"`
	Shutdown    bool            `json:"shutdown"`
	Target      ReconnectTarget `json:"target"`
	Cached      string          `json:"cached,omitempty"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"next_attempt,omitempty"`
}

type reconnectCmdKind int

const (
	cmdStart reconnectCmdKind = iota
	cmdStop
	cmdRetry
	cmdStatus
	cmdShutdown
)

type reconnectCmd struct {
	kind   reconnectCmdKind
	target ReconnectTarget
	reply  chan ReconnectStatus
}

type dialResult struct {
	gen  uint64
	conn net.Conn
	err  error
}

// ReconnectConfig tunes a Reconnector.
type ReconnectConfig struct {
	Dialer          Dialer
	DialTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Connect hands an established connection to the session manager.
	Connect func(conn net.Conn, target ReconnectTarget) error

	Logger  Logger
	Metrics *Metrics
}

// Reconnector keeps an outbound viewer connection alive. All state lives
// in the goroutine running Run; other goroutines talk to it through
// commands.
type Reconnector struct {
	cfg  ReconnectConfig
	cmds chan reconnectCmd
	done chan struct{}
}

// NewReconnector returns an idle reconnector. Run must be started for
// commands to take effect.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultReconnectInitial
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultReconnectMax
	}
	cfg.Logger = loggerOrNoOp(cfg.Logger)
	return &Reconnector{
		cfg:  cfg,
		cmds: make(chan reconnectCmd, 16),
		done: make(chan struct{}),
	}
}

func (r *Reconnector) send(cmd reconnectCmd) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.cmds <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// Start dials target now and after every disconnect until Stop.
func (r *Reconnector) Start(target ReconnectTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if !r.send(reconnectCmd{kind: cmdStart, target: target}) {
		return ErrServerShutdown
	}
	return nil
}

// Stop cancels pending retries. A connection already handed over stays up.
func (r *Reconnector) Stop() {
	r.send(reconnectCmd{kind: cmdStop})
}

// RetryNow dials immediately if a target is active. The session manager
// calls it when an outgoing viewer disconnects.
func (r *Reconnector) RetryNow() {
	r.send(reconnectCmd{kind: cmdRetry})
}

// Shutdown suppresses all further attempts.
func (r *Reconnector) Shutdown() {
	r.send(reconnectCmd{kind: cmdShutdown})
}

// Status returns the current state. It returns a zero status with
// Shutdown set once Run has returned.
func (r *Reconnector) Status() ReconnectStatus {
	reply := make(chan ReconnectStatus, 1)
	if !r.send(reconnectCmd{kind: cmdStatus, reply: reply}) {
		return ReconnectStatus{Shutdown: true}
	}
	select {
	case st := <-reply:
		return st
	case <-r.done:
		return ReconnectStatus{Shutdown: true}
	}
}

func (r *Reconnector) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run processes commands until ctx is done.
//
// Each dial carries a generation. Start, Stop and Shutdown cancel the dial
// in flight and bump the generation, so a late result for an old target is
// closed instead of handed over.
func (r *Reconnector) Run(ctx context.Context) error {
	defer close(r.done)

	var (
		st         ReconnectStatus
		bo         = r.newBackOff()
		timer      *time.Timer
		timerC     <-chan time.Time
		gen        uint64
		cancelDial context.CancelFunc
		results    = make(chan dialResult, 1)
		logger     = r.cfg.Logger
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
		st.NextAttempt = time.Time{}
	}
	abortDial := func() {
		if cancelDial != nil {
			cancelDial()
			cancelDial = nil
		}
		st.Dialing = false
		gen++
	}
	attempt := func() {
		if !st.Active || st.Dialing || st.Connected || st.Shutdown {
			return
		}
		stopTimer()
		st.Dialing = true
		st.Attempts++
		gen++
		id := gen
		target := st.Target
		addr := target.Address
		if st.Cached != "" {
			addr = st.Cached
		}
		var dialCtx context.Context
		dialCtx, cancelDial = context.WithCancel(ctx)
		go func() {
			conn, err := r.dial(dialCtx, addr, target)
			select {
			case results <- dialResult{gen: id, conn: conn, err: err}:
			case <-r.done:
				if conn != nil {
					_ = conn.Close()
				}
			}
		}()
	}
	schedule := func() {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			logger.Warn("Giving up reconnecting", Field{Key: "address", Value: st.Target.Address})
			st.Active = false
			return
		}
		stopTimer()
		timer = time.NewTimer(d)
		timerC = timer.C
		st.NextAttempt = time.Now().Add(d)
	}

	for {
		select {
		case <-ctx.Done():
			st.Shutdown = true
			stopTimer()
			abortDial()
			return nil

		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdStart:
				if st.Shutdown {
					continue
				}
				stopTimer()
				abortDial()
				st.Target = cmd.target
				st.Cached = ""
				st.Active = true
				st.Connected = false
				st.Attempts = 0
				bo.Reset()
				logger.Info("Reconnect target set",
					Field{Key: "address", Value: cmd.target.Address},
					Field{Key: "repeater", Value: cmd.target.RepeaterID != ""})
				attempt()
			case cmdStop:
				st.Active = false
				stopTimer()
				abortDial()
			case cmdRetry:
				st.Connected = false
				attempt()
			case cmdStatus:
				cmd.reply <- st
			case cmdShutdown:
				st.Shutdown = true
				st.Active = false
				stopTimer()
				abortDial()
			}

		case <-timerC:
			timer, timerC = nil, nil
			attempt()

		case res := <-results:
			if res.gen != gen {
				if res.conn != nil {
					_ = res.conn.Close()
				}
				continue
			}
			cancelDial()
			cancelDial = nil
			st.Dialing = false
			if res.err != nil {
				r.cfg.Metrics.ReconnectAttempt(false)
				logger.Debug("Reconnect attempt failed",
					Field{Key: "address", Value: st.Target.Address},
					Field{Key: "error", Value: res.err})
				if st.Active && !st.Shutdown {
					schedule()
				}
				continue
			}
			r.cfg.Metrics.ReconnectAttempt(true)
			if st.Cached == "" && res.conn.RemoteAddr() != nil {
				st.Cached = res.conn.RemoteAddr().String()
			}
			bo.Reset()
			st.Connected = true
			if r.cfg.Connect == nil {
				continue
			}
			if err := r.cfg.Connect(res.conn, st.Target); err != nil {
				logger.Warn("Outgoing connection refused", Field{Key: "error", Value: err})
				st.Connected = false
				schedule()
			}
		}
	}
}

// dial connects to addr and, in repeater mode, sends the NUL-padded id.
func (r *Reconnector) dial(ctx context.Context, addr string, target ReconnectTarget) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	conn, err := r.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, networkError("Reconnector.dial", "failed to connect to "+addr, err)
	}
	if target.RepeaterID == "" {
		return conn, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	id := make([]byte, MaxRepeaterIDLength)
	copy(id, strings.TrimSpace(target.RepeaterID))
	if _, err := conn.Write(id); err != nil {
		_ = conn.Close()
		return nil, networkError("Reconnector.dial", "failed to send repeater id", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}
