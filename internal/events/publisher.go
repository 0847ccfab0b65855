// Package events publishes document lifecycle events to NATS.
//
// Subjects have the form <prefix>.<containerTag>.<kind>, for example
// memory.work.created. Deletions by id do not know the tag and use "_".
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "memory"

const unknownTag = "_"

// Config configures the publisher.
type Config struct {
	URL           string
	SubjectPrefix string
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration
}

// Publisher sends memory.Events as JSON. Publish never blocks on the server
// and never fails the caller: errors are logged.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

// Connect dials NATS and returns a Publisher that owns the connection.
func Connect(cfg Config, logger *logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("memoryd"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	p := New(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing connection. Close leaves it open.
func New(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(e memory.Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(e.ContainerTag), e.Kind)
}

// Publish implements memory.Publisher.
func (p *Publisher) Publish(ctx context.Context, e memory.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error(ctx, "marshal event", zap.Error(err))
		return
	}
	subject := p.Subject(e)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "publish event failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains the connection if the publisher opened it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}

// subjectToken maps a container tag to a single subject token.
func subjectToken(tag string) string {
	if tag == "" {
		return unknownTag
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, tag)
}

var _ memory.Publisher = (*Publisher)(nil)
