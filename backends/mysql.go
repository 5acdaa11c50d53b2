package backends

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mailchannels/relay/log"
	"github.com/mailchannels/relay/mail"
)

// redisBodyMarker is stored in the data column when the body lives in Redis
const redisBodyMarker = "redis"

// MySQLStore keeps the four relay tables in MySQL. When a Redis interface is
// configured, outbound message bodies are stored there instead of in the
// data column.
type MySQLStore struct {
	config Config
	db     *sql.DB
	redis  *redisStore
	log    log.Logger
}

var createTables = []string{
	`CREATE TABLE IF NOT EXISTS inbound_queue (
		id CHAR(36) NOT NULL,
		rcpt_to VARCHAR(255) NOT NULL,
		message_id VARCHAR(255) NULL,
		mail_from TEXT NOT NULL,
		mail_sender VARCHAR(255) NULL,
		mail_reply_to TEXT NULL,
		subject TEXT NULL,
		contents_id CHAR(36) NOT NULL,
		PRIMARY KEY (id)
	)`,
	`CREATE TABLE IF NOT EXISTS mail_subpart (
		id CHAR(36) NOT NULL,
		headers MEDIUMTEXT NOT NULL,
		body MEDIUMBLOB NOT NULL,
		subparts TEXT NOT NULL,
		PRIMARY KEY (id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_message (
		id CHAR(36) NOT NULL,
		return_path VARCHAR(255) NOT NULL,
		data MEDIUMBLOB NOT NULL,
		PRIMARY KEY (id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_queue (
		id CHAR(36) NOT NULL,
		message_id CHAR(36) NOT NULL,
		forward_path VARCHAR(255) NOT NULL,
		state ENUM('queued','sending','sent','failed') NOT NULL,
		state_since DATETIME NOT NULL,
		PRIMARY KEY (id),
		KEY idx_state (state)
	)`,
}

// Initialize opens the database, creates missing tables and connects to
// Redis when configured
func (s *MySQLStore) Initialize(cfg Config) error {
	s.config = cfg
	conf, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return fmt.Errorf("store: cannot parse DSN: %s", err)
	}
	conf.ParseTime = true
	if conf.Params == nil {
		conf.Params = map[string]string{}
	}
	conf.Params["collation"] = "utf8mb4_general_ci"
	db, err := sql.Open("mysql", conf.FormatDSN())
	if err != nil {
		s.log.WithError(err).Error("cannot open mysql")
		return err
	}
	if err := db.Ping(); err != nil {
		s.log.WithError(err).Error("cannot reach mysql")
		_ = db.Close()
		return err
	}
	s.db = db
	s.log.Info("connected to mysql on ", conf.Addr)

	for _, ddl := range createTables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("store: creating tables: %s", err)
		}
	}

	if cfg.RedisInterface != "" {
		s.redis = newRedisStore(cfg.RedisInterface, cfg.RedisExpireSeconds)
		if err := s.redis.ping(); err != nil {
			return fmt.Errorf("store: redis cannot connect, check your settings: %s", err)
		}
		s.log.Info("outbound bodies stored in redis on ", cfg.RedisInterface)
	}
	return nil
}

// Shutdown closes the database and Redis connections
func (s *MySQLStore) Shutdown() error {
	if s.redis != nil {
		if err := s.redis.close(); err != nil {
			return err
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SavePart walks the tree depth-first, inserting children before their
// parent so that every stored row only references ids that already exist
func (s *MySQLStore) SavePart(part *mail.Part) (string, error) {
	subIDs := make([]string, 0, len(part.Subparts))
	for _, sub := range part.Subparts {
		id, err := s.SavePart(sub)
		if err != nil {
			return "", err
		}
		subIDs = append(subIDs, id)
	}

	headers := make([][2]string, 0, len(part.Headers))
	for _, h := range part.Headers {
		headers = append(headers, [2]string{h.Name, h.Value})
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	subJSON, err := json.Marshal(subIDs)
	if err != nil {
		return "", err
	}

	id := newID()
	_, err = s.db.Exec(
		"INSERT INTO mail_subpart (id, headers, body, subparts) VALUES (?, ?, ?, ?)",
		id, string(headersJSON), part.Body, string(subJSON))
	if err != nil {
		return "", err
	}
	return id, nil
}

// SaveInbound records one received message for one recipient
func (s *MySQLStore) SaveInbound(item *InboundItem) error {
	fromJSON, err := json.Marshal(item.From)
	if err != nil {
		return err
	}
	var replyTo interface{}
	if item.ReplyTo != nil {
		b, err := json.Marshal(item.ReplyTo)
		if err != nil {
			return err
		}
		replyTo = string(b)
	}
	if item.ID == "" {
		item.ID = newID()
	}
	_, err = s.db.Exec(
		`INSERT INTO inbound_queue
		 (id, rcpt_to, message_id, mail_from, mail_sender, mail_reply_to, subject, contents_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RcptTo, nullable(item.MessageID), string(fromJSON),
		nullable(item.Sender), replyTo, nullable(item.Subject), item.ContentsID)
	return err
}

// SaveOutbound stores the message and one queued row per forward path in a
// single transaction, so the sender only ever observes complete messages
func (s *MySQLStore) SaveOutbound(msg *OutboundMessage, forwardPaths []string) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	data := msg.Data
	if s.redis != nil {
		if err := s.redis.set(bodyKey(msg.ID), msg.Data); err != nil {
			return err
		}
		data = []byte(redisBodyMarker)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err = tx.Exec(
		"INSERT INTO outbound_message (id, return_path, data) VALUES (?, ?, ?)",
		msg.ID, msg.ReturnPath, data); err != nil {
		_ = tx.Rollback()
		return err
	}
	now := time.Now().UTC()
	for _, path := range forwardPaths {
		if _, err = tx.Exec(
			`INSERT INTO outbound_queue (id, message_id, forward_path, state, state_since)
			 VALUES (?, ?, ?, ?, ?)`,
			newID(), msg.ID, path, string(StateQueued), now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListQueued returns every outbound item still waiting for a delivery attempt
func (s *MySQLStore) ListQueued() ([]*OutboundItem, error) {
	rows, err := s.db.Query(
		`SELECT id, message_id, forward_path, state, state_since
		 FROM outbound_queue WHERE state = ?`, string(StateQueued))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []*OutboundItem
	for rows.Next() {
		item := &OutboundItem{}
		var state string
		if err := rows.Scan(&item.ID, &item.MessageID, &item.ForwardPath, &state, &item.StateSince); err != nil {
			return nil, err
		}
		item.State = State(state)
		items = append(items, item)
	}
	return items, rows.Err()
}

// FetchMessage loads an outbound message, pulling the body back from Redis
// when it was stored there
func (s *MySQLStore) FetchMessage(id string) (*OutboundMessage, error) {
	msg := &OutboundMessage{}
	err := s.db.QueryRow(
		"SELECT id, return_path, data FROM outbound_message WHERE id = ?", id).
		Scan(&msg.ID, &msg.ReturnPath, &msg.Data)
	if err != nil {
		return nil, err
	}
	if s.redis != nil && string(msg.Data) == redisBodyMarker {
		body, err := s.redis.get(bodyKey(id))
		if err != nil {
			return nil, err
		}
		msg.Data = body
	}
	return msg, nil
}

// UpdateItemState transitions an outbound queue item and stamps state_since
func (s *MySQLStore) UpdateItemState(itemID string, state State) error {
	_, err := s.db.Exec(
		"UPDATE outbound_queue SET state = ?, state_since = ? WHERE id = ?",
		string(state), time.Now().UTC(), itemID)
	return err
}

func bodyKey(messageID string) string {
	return "relay:msg:" + messageID
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
