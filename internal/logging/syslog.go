package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig holds remote syslog settings.
type SyslogConfig struct {
	Host     string // Remote syslog server hostname or IP
	Port     int    // default 514
	Protocol string // udp or tcp, default udp
	Tag      string // APP-NAME, default pktfilter
	Facility int    // default 1 (user)
}

// DefaultSyslogConfig returns sensible defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      "pktfilter",
		Facility: 1, // LOG_USER
	}
}

// SyslogWriter sends preformatted syslog messages to a remote server,
// reconnecting once on write failure.
type SyslogWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	config SyslogConfig
	dial   func(network, addr string) (net.Conn, error)
}

// NewSyslogWriter connects to the configured server.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	def := DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Protocol != "udp" && cfg.Protocol != "tcp" {
		return nil, fmt.Errorf("unsupported syslog protocol %q", cfg.Protocol)
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}
	if cfg.Facility < 0 || cfg.Facility > 23 {
		return nil, fmt.Errorf("syslog facility %d out of range", cfg.Facility)
	}

	w := &SyslogWriter{
		config: cfg,
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, 5*time.Second)
		},
	}
	conn, err := w.dial(cfg.Protocol, w.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", w.addr(), err)
	}
	w.conn = conn
	return w, nil
}

func (w *SyslogWriter) addr() string {
	return net.JoinHostPort(w.config.Host, strconv.Itoa(w.config.Port))
}

// Write sends one message.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}
	n := len(p)
	if w.config.Protocol == "tcp" {
		// RFC 6587 octet counting.
		p = append([]byte(strconv.Itoa(len(p))+" "), p...)
	}
	if _, err := w.conn.Write(p); err != nil {
		w.conn.Close()
		conn, derr := w.dial(w.config.Protocol, w.addr())
		if derr != nil {
			w.conn = nil
			return 0, err
		}
		w.conn = conn
		if _, err := w.conn.Write(p); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// severity maps a slog level to an RFC 5424 severity.
func severity(l slog.Level) int {
	switch {
	case l >= LevelError:
		return 3
	case l >= LevelWarn:
		return 4
	case l >= LevelInfo:
		return 6
	default:
		return 7
	}
}

// SyslogHandler is a slog.Handler that emits RFC 5424 messages:
// <PRI>1 TIMESTAMP HOSTNAME APP-NAME PROCID - - [component] message key=value
type SyslogHandler struct {
	w        *SyslogWriter
	level    slog.Leveler
	hostname string
	procID   string
	attrs    []slog.Attr
}

// NewSyslogHandler creates a handler writing to w at or above level.
func NewSyslogHandler(w *SyslogWriter, level slog.Leveler) *SyslogHandler {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "-"
	}
	if level == nil {
		level = LevelInfo
	}
	return &SyslogHandler{w: w, level: level, hostname: host, procID: strconv.Itoa(os.Getpid())}
}

// Enabled reports whether the handler is enabled for this level.
func (h *SyslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and sends the record.
func (h *SyslogHandler) Handle(_ context.Context, r slog.Record) error {
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	pri := h.w.config.Facility*8 + severity(r.Level)

	buf := make([]byte, 0, 256)
	buf = append(buf, '<')
	buf = strconv.AppendInt(buf, int64(pri), 10)
	buf = append(buf, ">1 "...)
	buf = append(buf, t.UTC().Format(time.RFC3339Nano)...)
	buf = append(buf, ' ')
	buf = append(buf, h.hostname...)
	buf = append(buf, ' ')
	buf = append(buf, h.w.config.Tag...)
	buf = append(buf, ' ')
	buf = append(buf, h.procID...)
	buf = append(buf, " - - "...)

	for _, a := range h.attrs {
		if a.Key == "component" {
			buf = append(buf, '[')
			buf = append(buf, a.Value.String()...)
			buf = append(buf, "] "...)
		}
	}
	buf = append(buf, r.Message...)
	for _, a := range h.attrs {
		if a.Key != "component" {
			buf = append(buf, ' ')
			buf = appendAttr(buf, a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = append(buf, ' ')
		buf = appendAttr(buf, a)
		return true
	})

	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a new handler with the given attributes.
func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	c := *h
	c.attrs = merged
	return &c
}

// WithGroup returns the handler unchanged; syslog output is flat.
func (h *SyslogHandler) WithGroup(string) slog.Handler {
	return h
}

// fanout sends every record to all handlers that accept its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
