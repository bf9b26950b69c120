package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the KV bucket holding one Status per user id.
const Bucket = "PRESENCE"

// Status is the value stored in the PRESENCE bucket for each user.
type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Online reports whether s describes an online user.
func (s Status) Online() bool { return s.Status == StatusOnline }

// KVStore mirrors presence into a JetStream KV bucket. It implements Recorder.
//
// Each gateway instance writes its own key, "{user}.{instance}", so instances
// never overwrite each other. Get merges every instance's entry: a user is
// online while any instance reports it online.
type KVStore struct {
	kv       jetstream.KeyValue
	instance string
	now      func() time.Time
}

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithInstance sets the key suffix this process writes under. Characters that
// are not valid in a single KV key token are replaced with '_'.
func WithInstance(id string) KVOption {
	return func(s *KVStore) {
		if id = instanceToken(id); id != "" {
			s.instance = id
		}
	}
}

func instanceToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// NewKVStore creates or binds the PRESENCE bucket.
func NewKVStore(ctx context.Context, js jetstream.JetStream, opts ...KVOption) (*KVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "Online status per user and gateway instance",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", Bucket, err)
	}
	s := &KVStore{kv: kv, instance: "gateway", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *KVStore) key(userID string) string {
	return userID + "." + s.instance
}

// SetStatus writes the user's status as seen by this instance. Writing
// offline for a user this instance already recorded offline keeps the
// original lastSeen.
func (s *KVStore) SetStatus(ctx context.Context, userID string, online bool) error {
	key := s.key(userID)
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	if !online {
		if entry, err := s.kv.Get(ctx, key); err == nil {
			var cur Status
			if json.Unmarshal(entry.Value(), &cur) == nil && !cur.Online() {
				return nil
			}
		}
	}
	data, err := json.Marshal(Status{Status: status, LastSeen: s.now().UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put presence %s: %w", key, err)
	}
	return nil
}

// ErrUnknownUser is returned by Get for users never recorded.
var ErrUnknownUser = errors.New("presence: unknown user")

// Get returns the status of userID merged across gateway instances.
func (s *KVStore) Get(ctx context.Context, userID string) (Status, error) {
	w, err := s.kv.Watch(ctx, userID+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return Status{}, fmt.Errorf("watch presence %s: %w", userID, err)
	}
	defer w.Stop()

	var found []Status
	for {
		select {
		case entry := <-w.Updates():
			// nil marks the end of the current values.
			if entry == nil {
				if len(found) == 0 {
					return Status{}, ErrUnknownUser
				}
				return merge(found), nil
			}
			var st Status
			if err := json.Unmarshal(entry.Value(), &st); err != nil {
				return Status{}, fmt.Errorf("decode presence %s: %w", entry.Key(), err)
			}
			found = append(found, st)
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
}

// merge reports online if any instance does, with the latest lastSeen.
func merge(statuses []Status) Status {
	out := Status{Status: StatusOffline}
	for _, st := range statuses {
		if st.Online() {
			out.Status = StatusOnline
		}
		if st.LastSeen > out.LastSeen {
			out.LastSeen = st.LastSeen
		}
	}
	return out
}
