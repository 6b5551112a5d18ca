// Package redis provides a Redis-backed implementation of the session message
// log.
//
// Each session uses two keys: a list of JSON encoded messages
// (<prefix>:session:<id>:messages) appended with RPUSH, and a hash holding the
// session record (<prefix>:session:<id>). Both keys share an optional TTL that
// is refreshed on every append.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/vistalk/pkg/memory"
)

var (
	_ memory.MessageLog = (*Store)(nil)
	_ memory.Pinger     = (*Store)(nil)
)

const (
	defaultPrefix = "vistalk"

	// Timestamp layout of the human readable field stored with each message.
	displayLayout = "2006-01-02 15:04:05"

	hashCreatedAt     = "created_at"
	hashLastMessageAt = "last_message_at"

	// Update retries this many times when a concurrent writer touches the
	// watched session hash.
	maxUpdateAttempts = 5
)

// Store is a Redis-backed [memory.MessageLog].
type Store struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
	loc    *time.Location
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the time-to-live of a session's keys, refreshed on every
// append. Zero (the default) keeps sessions forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPrefix sets the key prefix. Default is "vistalk".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLocation sets the time zone of the human readable timestamp stored with
// each message. Default is Korea Standard Time.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// New creates a Store on top of client.
//
// Example:
//
//	store := redis.New(
//	    goredis.NewClient(&goredis.Options{Addr: "localhost:6379"}),
//	    redis.WithTTL(30 * 24 * time.Hour),
//	)
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		loc:    time.FixedZone("KST", 9*60*60),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// record is the stored JSON form of a message.
type record struct {
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	MessageType string `json:"message_type"`
	CreatedAt   int64  `json:"created_at"` // unix milliseconds
	Timestamp   string `json:"timestamp"`
	Timezone    string `json:"timezone"`
}

func (s *Store) sessionKey(id string) string  { return s.prefix + ":session:" + id }
func (s *Store) messagesKey(id string) string { return s.prefix + ":session:" + id + ":messages" }

// Ping checks connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Append implements [memory.MessageLog]. The message push and the session
// record update go out in one MULTI/EXEC transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msg memory.Message) error {
	msg = memory.Normalize(msg, s.now())
	local := msg.CreatedAt.In(s.loc)
	zone, _ := local.Zone()
	data, err := json.Marshal(record{
		Sender:      string(msg.Sender),
		Text:        msg.Text,
		MessageType: msg.Type,
		CreatedAt:   msg.CreatedAt.UnixMilli(),
		Timestamp:   local.Format(displayLayout),
		Timezone:    zone,
	})
	if err != nil {
		return fmt.Errorf("message log: marshal: %w", err)
	}

	ms := strconv.FormatInt(msg.CreatedAt.UnixMilli(), 10)
	sKey, mKey := s.sessionKey(sessionID), s.messagesKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, mKey, data)
		pipe.HSetNX(ctx, sKey, hashCreatedAt, ms)
		pipe.HSet(ctx, sKey, hashLastMessageAt, ms)
		if s.ttl > 0 {
			pipe.Expire(ctx, mKey, s.ttl)
			pipe.Expire(ctx, sKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("message log: append: %w", err)
	}
	return nil
}

// Messages implements [memory.MessageLog]. The list is kept in append order,
// which the relay produces in creation order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]memory.Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("message log: messages: %w", err)
	}
	out := make([]memory.Message, 0, len(raw))
	for _, item := range raw {
		var r record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("message log: unmarshal: %w", err)
		}
		out = append(out, memory.Message{
			Sender:    memory.Sender(r.Sender),
			Text:      r.Text,
			Type:      r.MessageType,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

// Update implements [memory.MessageLog]. Cleared fields are removed from the
// hash. The existence check and the writes run under WATCH so a session that
// expires in between is never recreated without its created_at field.
func (s *Store) Update(ctx context.Context, sessionID string, fields map[string]any) error {
	parsed, err := memory.ParseFields(fields)
	if err != nil {
		return err
	}
	key := s.sessionKey(sessionID)
	apply := func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return memory.ErrSessionNotFound
		}
		if len(parsed) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, f := range parsed {
				if f.Clear {
					pipe.HDel(ctx, key, f.Name)
					continue
				}
				pipe.HSet(ctx, key, f.Name, f.Value)
			}
			return nil
		})
		return err
	}

	for range maxUpdateAttempts {
		err = s.client.Watch(ctx, apply, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, memory.ErrSessionNotFound):
		return err
	default:
		return fmt.Errorf("message log: update: %w", err)
	}
}

// Session implements [memory.MessageLog].
func (s *Store) Session(ctx context.Context, sessionID string) (memory.SessionRecord, error) {
	h, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("message log: session: %w", err)
	}
	if len(h) == 0 {
		return memory.SessionRecord{}, memory.ErrSessionNotFound
	}

	rec := memory.SessionRecord{ID: sessionID, Summary: h[memory.FieldSummary]}
	if rec.CreatedAt, err = parseMillis(h[hashCreatedAt]); err != nil {
		return memory.SessionRecord{}, err
	}
	if rec.LastMessageAt, err = parseMillis(h[hashLastMessageAt]); err != nil {
		return memory.SessionRecord{}, err
	}
	if cmd, ok := h[memory.FieldCommand]; ok {
		rec.Command = &cmd
	}
	return rec, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("message log: parse timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}
