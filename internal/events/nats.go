package events

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL           string        `koanf:"nats_url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

// DefaultNATSConfig returns a disabled sink config with the default prefix.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		SubjectPrefix: "phasegate",
		ReconnectWait: time.Second,
		MaxReconnects: 5,
	}
}

// Enabled reports whether a URL is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// NATSSink publishes events as JSON to NATS.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owns   bool
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "phasegate"
	}
	return &NATSSink{conn: nc, prefix: prefix}
}

// DialNATS connects using cfg and returns a sink that closes the connection
// on Close.
func DialNATS(cfg NATSConfig) (*NATSSink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("nats url is not configured")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("phasegate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	s := NewNATSSink(nc, cfg.SubjectPrefix)
	s.owns = true
	return s, nil
}

// TaskSubject is the subject for events of one task and type.
func (s *NATSSink) TaskSubject(taskID string, t Type) string {
	return fmt.Sprintf("%s.tasks.%s.%s", s.prefix, token(taskID), t)
}

// TaskWildcard matches every event of one task.
func (s *NATSSink) TaskWildcard(taskID string) string {
	return fmt.Sprintf("%s.tasks.%s.*", s.prefix, token(taskID))
}

// Conn returns the underlying connection.
func (s *NATSSink) Conn() *nats.Conn {
	return s.conn
}

// Emit publishes e.
func (s *NATSSink) Emit(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.TaskSubject(e.TaskID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close drains the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if !s.owns {
		return nil
	}
	return s.conn.Drain()
}

var tokenEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// token maps a task id to a single subject token. Ids made only of ASCII
// letters, digits, '-' and '_' are used as is; any other id is encoded
// behind a '~' prefix, which a plain id never contains, so distinct ids
// never share a subject.
func token(id string) string {
	if id != "" && plainToken(id) {
		return id
	}
	return "~" + tokenEncoding.EncodeToString([]byte(id))
}

func plainToken(id string) bool {
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// TypeFromSubject extracts the event type, the last subject token.
func TypeFromSubject(subject string) Type {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return Type(subject[i+1:])
	}
	return Type(subject)
}
