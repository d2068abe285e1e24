package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions     = []byte("chat_sessions")
	bucketMessages     = []byte("messages")
	bucketLeads        = []byte("leads")
	bucketLeadSessions = []byte("lead_sessions")
	bucketPosts        = []byte("posts")
)

// Database is the single-file local store used in development and on small
// deployments. Each table is a bucket holding JSON records.
type Database struct {
	Path string
	bolt *bolt.DB
}

var _ Store = (*Database)(nil)

func New(path string) *Database {
	return &Database{Path: path}
}

// Load opens the bolt file and creates missing buckets.
func (db *Database) Load() error {
	if err := os.MkdirAll(filepath.Dir(db.Path), 0o755); err != nil {
		return err
	}
	b, err := bolt.Open(db.Path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return fmt.Errorf("open %s: %w", db.Path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketMessages, bucketLeads, bucketLeadSessions, bucketPosts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = b.Close()
		return err
	}
	db.bolt = b
	return nil
}

func (db *Database) Close() error {
	if db.bolt == nil {
		return nil
	}
	return db.bolt.Close()
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func messageKey(m Message) []byte {
	return []byte(fmt.Sprintf("%s/%019d/%s", m.SessionID, m.CreatedAt.UnixNano(), m.ID))
}

func (db *Database) CreateSession(ctx context.Context, session ChatSession) (*ChatSession, error) {
	session = prepareSession(session)
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketSessions), session.ID, session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (db *Database) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	var session ChatSession
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketSessions), id, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (db *Database) ListSessions(ctx context.Context, filter SessionFilter) ([]ChatSession, error) {
	result := []ChatSession{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var s ChatSession
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if matchSession(s, filter) {
				result = append(result, s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSessions(result)
	return limit(result, filter.Limit), nil
}

func (db *Database) UpdateSession(ctx context.Context, session ChatSession) (*ChatSession, error) {
	var updated ChatSession
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if err := get(b, session.ID, &updated); err != nil {
			return err
		}
		updated.Status = session.Status
		updated.AssignedAdmin = session.AssignedAdmin
		updated.ClosedAt = session.ClosedAt
		updated.UpdatedAt = now()
		return put(b, updated.ID, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (db *Database) CreateMessage(ctx context.Context, msg Message) (*Message, error) {
	msg = prepareMessage(msg)
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		var session ChatSession
		if err := get(sessions, msg.SessionID, &session); err != nil {
			return err
		}
		if msg.CreatedAt.After(session.LastMessageAt) {
			session.LastMessageAt = msg.CreatedAt
		}
		if err := put(sessions, session.ID, session); err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put(messageKey(msg), data)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns the transcript in ascending created_at order; the key
// layout already sorts it.
func (db *Database) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	result := []Message{}
	prefix := []byte(sessionID + "/")
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			result = append(result, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (db *Database) CreateLead(ctx context.Context, lead Lead) (*Lead, error) {
	lead = prepareLead(lead)
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketLeadSessions)
		if lead.SessionID != "" {
			if index.Get([]byte(lead.SessionID)) != nil {
				return ErrLeadExists
			}
			if err := index.Put([]byte(lead.SessionID), []byte(lead.ID)); err != nil {
				return err
			}
		}
		return put(tx.Bucket(bucketLeads), lead.ID, lead)
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (db *Database) GetLead(ctx context.Context, id string) (*Lead, error) {
	var lead Lead
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketLeads), id, &lead)
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (db *Database) GetLeadBySession(ctx context.Context, sessionID string) (*Lead, error) {
	var lead Lead
	err := db.bolt.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketLeadSessions).Get([]byte(sessionID))
		if id == nil {
			return ErrNotFound
		}
		return get(tx.Bucket(bucketLeads), string(id), &lead)
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (db *Database) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	result := []Lead{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeads).ForEach(func(_, v []byte) error {
			var l Lead
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if matchLead(l, filter) {
				result = append(result, l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortLeads(result)
	return limit(result, filter.Limit), nil
}

func (db *Database) UpdateLead(ctx context.Context, lead Lead) (*Lead, error) {
	var updated Lead
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		if err := get(b, lead.ID, &updated); err != nil {
			return err
		}
		updated.Status = lead.Status
		updated.Notes = lead.Notes
		updated.UpdatedAt = now()
		return put(b, updated.ID, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (db *Database) DeleteLead(ctx context.Context, id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		var lead Lead
		if err := get(b, id, &lead); err != nil {
			return err
		}
		if lead.SessionID != "" {
			if err := tx.Bucket(bucketLeadSessions).Delete([]byte(lead.SessionID)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

func (db *Database) SavePost(ctx context.Context, post Post) (*Post, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPosts)
		var existing Post
		if err := get(b, post.Slug, &existing); err == nil {
			post.ID = existing.ID
			post.CreatedAt = existing.CreatedAt
			if post.PublishedAt == nil {
				post.PublishedAt = existing.PublishedAt
			}
		}
		post = preparePost(post)
		return put(b, post.Slug, post)
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (db *Database) GetPostBySlug(ctx context.Context, slug string) (*Post, error) {
	var post Post
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketPosts), slug, &post)
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (db *Database) ListPosts(ctx context.Context, filter PostFilter) ([]Post, error) {
	result := []Post{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPosts).ForEach(func(_, v []byte) error {
			var p Post
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if matchPost(p, filter) {
				result = append(result, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortPosts(result)
	return limit(result, filter.Limit), nil
}
