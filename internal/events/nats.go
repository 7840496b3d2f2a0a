package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// NATSMirror republishes bus events onto NATS subjects so observers outside
// the process can follow runs.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSMirror connects to NATS. The connection reconnects forever; a
// mirror outage must never affect scheduling.
func NewNATSMirror(url, subjectPrefix string, logger *logging.Logger) (*NATSMirror, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("dispatchd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSMirror{
		conn:   conn,
		prefix: subjectPrefix,
		logger: logger,
	}, nil
}

// Run consumes from the bus until ctx is done. Publish failures are logged
// and dropped.
func (m *NATSMirror) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				m.logger.Warn(ctx, "marshal event for nats", zap.Error(err))
				continue
			}
			if err := m.conn.Publish(m.Subject(ev), data); err != nil {
				m.logger.Warn(ctx, "publish event to nats",
					zap.String("subject", m.Subject(ev)),
					zap.Error(err),
				)
			}
		}
	}
}

// Subject builds the per-feature subject, e.g.
// "dispatchd.events.proj-1.feat-9". Ids are sanitized so they cannot inject
// subject tokens.
func (m *NATSMirror) Subject(ev Event) string {
	parts := []string{m.prefix, sanitizeToken(ev.ProjectID)}
	if ev.FeatureID != "" {
		parts = append(parts, sanitizeToken(ev.FeatureID))
	}
	return strings.Join(parts, ".")
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}

func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '-'
		default:
			return r
		}
	}, s)
}
