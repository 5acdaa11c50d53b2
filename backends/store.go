// Package backends persists the relay's queues. The Store interface is the
// only thing the rest of the relay sees; the default implementation keeps
// everything in MySQL, optionally off-loading raw message bodies to Redis.
package backends

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/mailchannels/relay/log"
	"github.com/mailchannels/relay/mail"
)

// Config selects and configures a store
type Config struct {
	// DSN is a go-sql-driver/mysql data source name. The DATABASE_URL
	// environment variable overrides it when set.
	DSN string `json:"dsn"`
	// RedisInterface, when set, moves outbound message bodies to Redis
	RedisInterface     string `json:"redis_interface,omitempty"`
	RedisExpireSeconds int    `json:"redis_expire_seconds,omitempty"`
}

// State is the delivery state of an outbound queue item
type State string

const (
	StateQueued  State = "queued"
	StateSending State = "sending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// InboundItem is one received message for one recipient
type InboundItem struct {
	ID         string
	RcptTo     string
	MessageID  string
	From       []string
	Sender     string
	ReplyTo    []string
	Subject    string
	ContentsID string
}

// OutboundMessage is a message waiting to be relayed onwards
type OutboundMessage struct {
	ID         string
	ReturnPath string
	Data       []byte
}

// OutboundItem is one recipient of an outbound message
type OutboundItem struct {
	ID          string
	MessageID   string
	ForwardPath string
	State       State
	StateSince  time.Time
}

// Store is the relay's queue facade. Implementations must guarantee that
// queued outbound items become visible to ListQueued once the inserting call
// returns, and must be safe for concurrent use.
type Store interface {
	// Initialize opens connections and creates missing tables
	Initialize(cfg Config) error
	// Shutdown frees / closes anything created during Initialize
	Shutdown() error
	// SavePart persists a part tree, assigning every node a fresh id, and
	// returns the root id
	SavePart(part *mail.Part) (string, error)
	// SaveInbound records a received message for one recipient
	SaveInbound(item *InboundItem) error
	// SaveOutbound records a message and one queued item per forward path
	SaveOutbound(msg *OutboundMessage, forwardPaths []string) error
	// ListQueued returns all outbound items currently in StateQueued
	ListQueued() ([]*OutboundItem, error)
	// FetchMessage loads an outbound message by id
	FetchMessage(id string) (*OutboundMessage, error)
	// UpdateItemState moves an outbound item to a new state, stamping
	// state_since
	UpdateItemState(itemID string, state State) error
}

// New creates the default store for cfg. The store still needs Initialize.
func New(cfg Config, l log.Logger) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: no DSN configured")
	}
	return &MySQLStore{config: cfg, log: l}, nil
}

// newID generates a random 128-bit identifier in the canonical UUID text form
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	// RFC 4122 version 4, variant 10
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
