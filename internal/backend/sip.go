// Package backend – SIP/telephony implementation.
//
// The sip backend talks to an Asterisk-style manager interface over TCP:
// login, then an async Originate into the faxout context with the job id,
// destination, and artifact path carried as channel variables. Delivery
// results come back as FaxResult user events on the same connection and are
// folded into the job store by the registered callback; there is no provider
// sid, correlation is our own job id.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
)

// FaxResultEvent is the parsed FaxResult user event from the manager
// interface.
type FaxResultEvent struct {
	JobID  string
	Status string
	Error  string
	Pages  *int
}

// SIP implements FaxBackend over the Asterisk manager interface.
type SIP struct {
	cfg config.SIPConfig

	mu       sync.Mutex
	conn     net.Conn
	w        *bufio.Writer
	onResult func(FaxResultEvent)

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewSIP constructs the telephony backend. Call Start to open the manager
// connection and begin consuming events.
func NewSIP(cfg config.SIPConfig) *SIP {
	return &SIP{
		cfg: cfg,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Name returns "sip".
func (s *SIP) Name() string { return config.BackendSIP }

// OnFaxResult registers the callback invoked for each FaxResult event.
func (s *SIP) OnFaxResult(cb func(FaxResultEvent)) {
	s.mu.Lock()
	s.onResult = cb
	s.mu.Unlock()
}

// Start connects and logs in, retrying with capped backoff until ctx is
// cancelled, then keeps a read loop running. Reconnects on connection loss.
func (s *SIP) Start(ctx context.Context) {
	go func() {
		delay := time.Second
		for ctx.Err() == nil {
			if err := s.connect(ctx); err != nil {
				log.Warn().Err(err).Msg("ami connect failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay = min(delay*2, 30*time.Second)
				continue
			}
			delay = time.Second
			s.readLoop(ctx)
		}
	}()
}

func (s *SIP) connect(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.AMIHost, strconv.Itoa(s.cfg.AMIPort))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.mu.Unlock()

	return s.sendAction(map[string]string{
		"Action":   "Login",
		"Username": s.cfg.AMIUsername,
		"Secret":   s.cfg.AMIPassword,
	})
}

// readLoop parses manager frames (key: value lines terminated by a blank
// line) and dispatches FaxResult user events.
func (s *SIP) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	r := bufio.NewReader(conn)
	frame := map[string]string{}
	for ctx.Err() == nil {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(frame) > 0 {
				s.dispatch(frame)
				frame = map[string]string{}
			}
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			frame[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *SIP) dispatch(frame map[string]string) {
	if frame["Event"] != "UserEvent" || frame["UserEvent"] != "FaxResult" {
		return
	}
	ev := FaxResultEvent{
		JobID:  firstOf(frame, "JobID", "jobid"),
		Status: firstOf(frame, "Status", "status"),
		Error:  firstOf(frame, "Error", "error"),
	}
	if raw := firstOf(frame, "Pages", "pages"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			ev.Pages = &n
		}
	}

	s.mu.Lock()
	cb := s.onResult
	s.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Send originates the outbound fax call. The gateway accepts the action
// asynchronously, so the job stays in_progress until a FaxResult event lands.
func (s *SIP) Send(ctx context.Context, jobID, to string, artifact Artifact) (SendResult, error) {
	if artifact.TiffPath == "" {
		return SendResult{}, fmt.Errorf("sip backend requires a telephony artifact")
	}
	vars := fmt.Sprintf("JOBID=%s,DEST=%s,FAXFILE=%s", jobID, to, artifact.TiffPath)
	err := s.sendAction(map[string]string{
		"Action":   "Originate",
		"Channel":  "Local/s@faxout",
		"Context":  "faxout",
		"Exten":    "s",
		"Priority": "1",
		"Async":    "true",
		"Variable": vars,
		"CallerID": s.cfg.StationID,
	})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Status: domain.StatusInProgress}, nil
}

func (s *SIP) sendAction(fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("ami connection not established")
	}
	// Action first; manager frames are otherwise order-insensitive.
	if v, ok := fields["Action"]; ok {
		fmt.Fprintf(s.w, "Action: %s\r\n", v)
	}
	for k, v := range fields {
		if k == "Action" {
			continue
		}
		fmt.Fprintf(s.w, "%s: %s\r\n", k, v)
	}
	s.w.WriteString("\r\n")
	return s.w.Flush()
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
