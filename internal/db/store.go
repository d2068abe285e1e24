package db

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrLeadExists = errors.New("lead already exists for session")
)

// Store is the persistence surface used by the intake pipeline and the HTTP
// handlers. Database (bbolt) and Postgres both implement it.
type Store interface {
	CreateSession(ctx context.Context, session ChatSession) (*ChatSession, error)
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]ChatSession, error)
	UpdateSession(ctx context.Context, session ChatSession) (*ChatSession, error)

	CreateMessage(ctx context.Context, msg Message) (*Message, error)
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)

	CreateLead(ctx context.Context, lead Lead) (*Lead, error)
	GetLead(ctx context.Context, id string) (*Lead, error)
	GetLeadBySession(ctx context.Context, sessionID string) (*Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error)
	UpdateLead(ctx context.Context, lead Lead) (*Lead, error)
	DeleteLead(ctx context.Context, id string) error

	SavePost(ctx context.Context, post Post) (*Post, error)
	GetPostBySlug(ctx context.Context, slug string) (*Post, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]Post, error)

	Close() error
}

func now() time.Time {
	return time.Now().UTC()
}

func prepareSession(s ChatSession) ChatSession {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = SessionStatusBot
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.LastMessageAt.IsZero() {
		s.LastMessageAt = s.CreatedAt
	}
	return s
}

func prepareMessage(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.MessageType == "" {
		m.MessageType = MessageTypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	return m
}

func prepareLead(l Lead) Lead {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = LeadStatusNew
	}
	if l.Source == "" {
		l.Source = "chat"
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	l.UpdatedAt = l.CreatedAt
	return l
}

func preparePost(p Post) Post {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = PostStatusDraft
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.UpdatedAt = now()
	if p.Status == PostStatusPublished && p.PublishedAt == nil {
		t := p.UpdatedAt
		p.PublishedAt = &t
	}
	return p
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

func matchSession(s ChatSession, f SessionFilter) bool {
	return f.Status == "" || s.Status == f.Status
}

func matchLead(l Lead, f LeadFilter) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func matchPost(p Post, f PostFilter) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Tag == "" {
		return true
	}
	for _, t := range p.Tags {
		if strings.EqualFold(t, f.Tag) {
			return true
		}
	}
	return false
}

func sortSessions(sessions []ChatSession) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastMessageAt.After(sessions[j].LastMessageAt)
	})
}

func sortLeads(leads []Lead) {
	sort.Slice(leads, func(i, j int) bool {
		return leads[i].CreatedAt.After(leads[j].CreatedAt)
	})
}

func sortPosts(posts []Post) {
	published := func(p Post) time.Time {
		if p.PublishedAt != nil {
			return *p.PublishedAt
		}
		return p.CreatedAt
	}
	sort.Slice(posts, func(i, j int) bool {
		return published(posts[i]).After(published(posts[j]))
	})
}
