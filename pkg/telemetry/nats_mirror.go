package telemetry

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/navigatorhq/navigator/pkg/core"
)

// MirrorConfig configures the NATS telemetry mirror.
type MirrorConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "navigator".
	Prefix string

	// Name is an optional NATS connection name.
	Name string
}

// Mirror republishes every bus event to a NATS subject
// <prefix>.<topic>. It is purely observational: publishes are
// fire-and-forget and failures are logged, never surfaced to the
// publishing operation.
type Mirror struct {
	nc     *nats.Conn
	prefix string
	logger core.Logger
}

// NewMirror connects to NATS and subscribes to all bus topics.
func NewMirror(bus *Bus, cfg MirrorConfig, logger core.Logger) (*Mirror, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "navigator"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := &Mirror{
		nc:     nc,
		prefix: prefix,
		logger: core.WithComponent(logger, "telemetry-mirror"),
	}

	if err := bus.SubscribeAll(m.forward); err != nil {
		nc.Close()
		return nil, err
	}

	return m, nil
}

func (m *Mirror) forward(ev Event) {
	data, err := core.JSONEncode(ev)
	if err != nil {
		m.logger.Warnf("failed to encode telemetry event %s: %v", ev.Topic, err)
		return
	}
	if err := m.nc.Publish(m.subject(ev.Topic), data); err != nil {
		m.logger.Warnf("failed to mirror telemetry event %s: %v", ev.Topic, err)
	}
}

func (m *Mirror) subject(topic string) string {
	return m.prefix + "." + strings.ReplaceAll(topic, "/", ".")
}

// Close flushes and closes the NATS connection.
func (m *Mirror) Close() {
	_ = m.nc.Flush()
	m.nc.Close()
}
