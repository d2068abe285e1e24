package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres stores records in the managed Postgres instance behind the site
// (Supabase). Table and column names match the ones the admin panels read.
type Postgres struct {
	DB *sql.DB
}

var _ Store = (*Postgres)(nil)

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects, applies pool settings and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, opts PoolOptions) (*Postgres, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Println("db: connected to postgres")
	return NewPostgres(conn), nil
}

func NewPostgres(conn *sql.DB) *Postgres {
	return &Postgres{DB: conn}
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id UUID PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'bot' CHECK (status IN ('bot', 'live', 'closed')),
    visitor_name TEXT NOT NULL DEFAULT '',
    visitor_email TEXT NOT NULL DEFAULT '',
    visitor_phone TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    assigned_admin TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_message_at TIMESTAMPTZ NOT NULL,
    closed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_status ON chat_sessions(status);

CREATE TABLE IF NOT EXISTS chat_messages (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    sender TEXT NOT NULL CHECK (sender IN ('user', 'bot', 'admin')),
    content TEXT,
    message_type TEXT NOT NULL DEFAULT 'text',
    file_url TEXT,
    sender_name TEXT,
    intent TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS leads (
    id UUID PRIMARY KEY,
    session_id UUID UNIQUE REFERENCES chat_sessions(id) ON DELETE SET NULL,
    name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    vehicle_year INTEGER NOT NULL DEFAULT 0,
    vehicle_make TEXT NOT NULL DEFAULT '',
    vehicle_model TEXT NOT NULL DEFAULT '',
    vehicle_trim TEXT NOT NULL DEFAULT '',
    vehicle_mileage INTEGER NOT NULL DEFAULT 0,
    accident_date TEXT NOT NULL DEFAULT '',
    insurance_company TEXT NOT NULL DEFAULT '',
    injured BOOLEAN NOT NULL DEFAULT FALSE,
    injury_description TEXT NOT NULL DEFAULT '',
    estimated_acv DOUBLE PRECISION NOT NULL DEFAULT 0,
    source TEXT NOT NULL DEFAULT 'chat',
    status TEXT NOT NULL DEFAULT 'new',
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status, created_at DESC);

CREATE TABLE IF NOT EXISTS posts (
    id UUID PRIMARY KEY,
    title TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    body TEXT NOT NULL DEFAULT '',
    excerpt TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft', 'published')),
    tags TEXT[] NOT NULL DEFAULT '{}',
    published_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates missing tables in a single transaction.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		tx.Rollback()
		return fmt.Errorf("create tables: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	log.Println("db: migrations applied")
	return nil
}

func (p *Postgres) Close() error {
	return p.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// notFound maps a missing row, or a key Postgres refused to parse as uuid,
// to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
		return ErrNotFound
	}
	return err
}

// validID reports whether id can name a row in a uuid-keyed table.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const sessionColumns = `id, status, visitor_name, visitor_email, visitor_phone, metadata, assigned_admin, created_at, updated_at, last_message_at, closed_at`

func scanSession(row rowScanner) (*ChatSession, error) {
	var s ChatSession
	var metadata []byte
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Status, &s.VisitorName, &s.VisitorEmail, &s.VisitorPhone, &metadata,
		&s.AssignedAdmin, &s.CreatedAt, &s.UpdatedAt, &s.LastMessageAt, &closedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		s.ClosedAt = &t
	}
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, session ChatSession) (*ChatSession, error) {
	session = prepareSession(session)
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return nil, err
	}
	if session.Metadata == nil {
		metadata = []byte("{}")
	}
	_, err = p.DB.ExecContext(ctx, `
        INSERT INTO chat_sessions (`+sessionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.Status, session.VisitorName, session.VisitorEmail, session.VisitorPhone,
		metadata, session.AssignedAdmin, session.CreatedAt, session.UpdatedAt, session.LastMessageAt, session.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &session, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	row := p.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *Postgres) ListSessions(ctx context.Context, filter SessionFilter) ([]ChatSession, error) {
	rows, err := p.DB.QueryContext(ctx, `
        SELECT `+sessionColumns+` FROM chat_sessions
        WHERE ($1 = '' OR status = $1)
        ORDER BY last_message_at DESC
        LIMIT NULLIF($2, 0)`, filter.Status, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := []ChatSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (p *Postgres) UpdateSession(ctx context.Context, session ChatSession) (*ChatSession, error) {
	if !validID(session.ID) {
		return nil, ErrNotFound
	}
	row := p.DB.QueryRowContext(ctx, `
        UPDATE chat_sessions
        SET status = $2, assigned_admin = $3, closed_at = $4, updated_at = $5
        WHERE id = $1
        RETURNING `+sessionColumns,
		session.ID, session.Status, session.AssignedAdmin, session.ClosedAt, now())
	return scanSession(row)
}

const messageColumns = `id, session_id, sender, content, message_type, file_url, sender_name, intent, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var content, fileURL, senderName sql.NullString
	err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &content, &m.MessageType, &fileURL, &senderName, &m.Intent, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	m.Content = nullString(content)
	m.FileURL = nullString(fileURL)
	m.SenderName = nullString(senderName)
	return &m, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func (p *Postgres) CreateMessage(ctx context.Context, msg Message) (*Message, error) {
	if !validID(msg.SessionID) {
		return nil, ErrNotFound
	}
	msg = prepareMessage(msg)
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1`,
		msg.SessionID, msg.CreatedAt)
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO chat_messages (`+messageColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Content, msg.MessageType, msg.FileURL, msg.SenderName, msg.Intent, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *Postgres) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if !validID(sessionID) {
		return []Message{}, nil
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	result := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

const leadColumns = `id, session_id, name, phone, email, vehicle_year, vehicle_make, vehicle_model, vehicle_trim,
    vehicle_mileage, accident_date, insurance_company, injured, injury_description, estimated_acv, source, status,
    notes, created_at, updated_at`

func scanLead(row rowScanner) (*Lead, error) {
	var l Lead
	var sessionID sql.NullString
	err := row.Scan(&l.ID, &sessionID, &l.Name, &l.Phone, &l.Email, &l.VehicleYear, &l.VehicleMake, &l.VehicleModel,
		&l.VehicleTrim, &l.VehicleMileage, &l.AccidentDate, &l.InsuranceCompany, &l.Injured, &l.InjuryDescription,
		&l.EstimatedACV, &l.Source, &l.Status, &l.Notes, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	l.SessionID = sessionID.String
	return &l, nil
}

func (p *Postgres) CreateLead(ctx context.Context, lead Lead) (*Lead, error) {
	lead = prepareLead(lead)
	_, err := p.DB.ExecContext(ctx, `
        INSERT INTO leads (`+leadColumns+`)
        VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		lead.ID, lead.SessionID, lead.Name, lead.Phone, lead.Email, lead.VehicleYear, lead.VehicleMake, lead.VehicleModel,
		lead.VehicleTrim, lead.VehicleMileage, lead.AccidentDate, lead.InsuranceCompany, lead.Injured, lead.InjuryDescription,
		lead.EstimatedACV, lead.Source, lead.Status, lead.Notes, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrLeadExists
		}
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return &lead, nil
}

func (p *Postgres) GetLead(ctx context.Context, id string) (*Lead, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return scanLead(p.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
}

func (p *Postgres) GetLeadBySession(ctx context.Context, sessionID string) (*Lead, error) {
	if !validID(sessionID) {
		return nil, ErrNotFound
	}
	return scanLead(p.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE session_id = $1`, sessionID))
}

func (p *Postgres) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	var since any
	if !filter.Since.IsZero() {
		since = filter.Since
	}
	rows, err := p.DB.QueryContext(ctx, `
        SELECT `+leadColumns+` FROM leads
        WHERE ($1 = '' OR status = $1) AND ($2::timestamptz IS NULL OR created_at >= $2)
        ORDER BY created_at DESC
        LIMIT NULLIF($3, 0)`, filter.Status, since, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	result := []Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (p *Postgres) UpdateLead(ctx context.Context, lead Lead) (*Lead, error) {
	if !validID(lead.ID) {
		return nil, ErrNotFound
	}
	row := p.DB.QueryRowContext(ctx, `
        UPDATE leads SET status = $2, notes = $3, updated_at = $4
        WHERE id = $1
        RETURNING `+leadColumns, lead.ID, lead.Status, lead.Notes, now())
	return scanLead(row)
}

func (p *Postgres) DeleteLead(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	res, err := p.DB.ExecContext(ctx, `DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete lead: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const postColumns = `id, title, slug, body, excerpt, status, tags, published_at, created_at, updated_at`

func scanPost(row rowScanner) (*Post, error) {
	var post Post
	var publishedAt sql.NullTime
	err := row.Scan(&post.ID, &post.Title, &post.Slug, &post.Body, &post.Excerpt, &post.Status,
		pq.Array(&post.Tags), &publishedAt, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time.UTC()
		post.PublishedAt = &t
	}
	if post.Tags == nil {
		post.Tags = []string{}
	}
	return &post, nil
}

// SavePost upserts by slug; the original id, created_at and first
// publication time survive an update.
func (p *Postgres) SavePost(ctx context.Context, post Post) (*Post, error) {
	post = preparePost(post)
	row := p.DB.QueryRowContext(ctx, `
        INSERT INTO posts (`+postColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (slug) DO UPDATE SET
            title = EXCLUDED.title,
            body = EXCLUDED.body,
            excerpt = EXCLUDED.excerpt,
            status = EXCLUDED.status,
            tags = EXCLUDED.tags,
            published_at = COALESCE(posts.published_at, EXCLUDED.published_at),
            updated_at = EXCLUDED.updated_at
        RETURNING `+postColumns,
		post.ID, post.Title, post.Slug, post.Body, post.Excerpt, post.Status, pq.Array(post.Tags),
		post.PublishedAt, post.CreatedAt, post.UpdatedAt)
	return scanPost(row)
}

func (p *Postgres) GetPostBySlug(ctx context.Context, slug string) (*Post, error) {
	return scanPost(p.DB.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE slug = $1`, slug))
}

func (p *Postgres) ListPosts(ctx context.Context, filter PostFilter) ([]Post, error) {
	rows, err := p.DB.QueryContext(ctx, `
        SELECT `+postColumns+` FROM posts
        WHERE ($1 = '' OR status = $1) AND ($2 = '' OR lower($2) IN (SELECT lower(t) FROM unnest(tags) AS t))
        ORDER BY COALESCE(published_at, created_at) DESC
        LIMIT NULLIF($3, 0)`, filter.Status, filter.Tag, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	result := []Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *post)
	}
	return result, rows.Err()
}
