package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/idgen"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

// Transport kinds accepted in BusConfig.Transport.
const (
	TransportLoopback = "loopback"
	TransportRedis    = "redis"
	TransportNATS     = "nats"
	TransportSocketIO = "socketio"
)

// BusConfig holds everything needed to assemble a bus.
type BusConfig struct {
	// Peer is this process's identity on the transport.
	Peer string `yaml:"peer" json:"peer"`

	// Transport selects the wire: loopback, redis, nats or socketio.
	Transport string `yaml:"transport" json:"transport"`

	// Address is the server address (host:port for redis, URL for nats and socketio).
	Address string `yaml:"address" json:"address"`

	// Prefix namespaces channels or subjects. Empty uses the transport default.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Codec is the envelope codec: json or msgpack.
	Codec string `yaml:"codec" json:"codec"`

	// DefaultTimeout applies to requests made with a zero timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// ReplyEvent is the event responses travel under.
	ReplyEvent string `yaml:"reply_event" json:"reply_event"`

	// IDGenerator selects request ids: uuid or ulid.
	IDGenerator string `yaml:"id_generator" json:"id_generator"`

	Metrics bool `yaml:"metrics" json:"metrics"`
	Tracing bool `yaml:"tracing" json:"tracing"`

	// JournalPath is the SQLite diagnostics journal. Empty keeps an
	// in-memory journal.
	JournalPath string `yaml:"journal_path" json:"journal_path"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultBusConfig returns an in-process loopback configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Peer:           "local",
		Transport:      TransportLoopback,
		Codec:          "json",
		DefaultTimeout: 10 * time.Second,
		ReplyEvent:     "signalbus.reply",
		IDGenerator:    "uuid",
		LogLevel:       "info",
	}
}

// ParseBusConfig reads a BusConfig from c, filling gaps from
// DefaultBusConfig, and validates the result.
func ParseBusConfig(c Config) (BusConfig, error) {
	def := DefaultBusConfig()
	bc := BusConfig{
		Peer:           c.String("peer", def.Peer),
		Transport:      c.String("transport", def.Transport),
		Address:        c.String("address", def.Address),
		Prefix:         c.String("prefix", def.Prefix),
		Codec:          c.String("codec", def.Codec),
		DefaultTimeout: c.Duration("default_timeout", def.DefaultTimeout),
		ReplyEvent:     c.String("reply_event", def.ReplyEvent),
		IDGenerator:    c.String("id_generator", def.IDGenerator),
		Metrics:        c.Bool("metrics", def.Metrics),
		Tracing:        c.Bool("tracing", def.Tracing),
		JournalPath:    c.String("journal_path", def.JournalPath),
		LogLevel:       c.String("log_level", def.LogLevel),
	}
	if err := bc.Validate(); err != nil {
		return BusConfig{}, err
	}
	return bc, nil
}

// Validate checks every field. The first problem is returned as a
// *errors.ValidationError.
func (bc BusConfig) Validate() error {
	switch bc.Transport {
	case TransportLoopback:
	case TransportRedis, TransportNATS, TransportSocketIO:
		if bc.Address == "" {
			return sberrors.Invalid("address", fmt.Sprintf("required for %s transport", bc.Transport))
		}
	default:
		return sberrors.Invalid("transport", fmt.Sprintf("unknown transport %q", bc.Transport))
	}
	if bc.Peer == "" && bc.Transport != TransportSocketIO {
		return sberrors.Invalid("peer", "must not be empty")
	}
	if _, err := codec.ByName(bc.Codec); err != nil {
		return err
	}
	if _, err := idgen.ByName(bc.IDGenerator); err != nil {
		return err
	}
	if bc.DefaultTimeout < 0 {
		return sberrors.Invalid("default_timeout", "must not be negative")
	}
	if bc.ReplyEvent != "" {
		if err := transport.ValidateEvent(bc.ReplyEvent); err != nil {
			return sberrors.Invalid("reply_event", err.Error())
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(bc.LogLevel)); err != nil {
		return sberrors.Invalid("log_level", fmt.Sprintf("unknown level %q", bc.LogLevel))
	}
	return nil
}

// Map renders bc with the same keys the file loaders read.
func (bc BusConfig) Map() map[string]any {
	return map[string]any{
		"peer":            bc.Peer,
		"transport":       bc.Transport,
		"address":         bc.Address,
		"prefix":          bc.Prefix,
		"codec":           bc.Codec,
		"default_timeout": bc.DefaultTimeout.String(),
		"reply_event":     bc.ReplyEvent,
		"id_generator":    bc.IDGenerator,
		"metrics":         bc.Metrics,
		"tracing":         bc.Tracing,
		"journal_path":    bc.JournalPath,
		"log_level":       bc.LogLevel,
	}
}
