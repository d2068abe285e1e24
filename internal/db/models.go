package db

import "time"

const (
	SessionStatusBot    = "bot"
	SessionStatusLive   = "live"
	SessionStatusClosed = "closed"
)

const (
	SenderUser  = "user"
	SenderBot   = "bot"
	SenderAdmin = "admin"
)

const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

const (
	LeadStatusNew       = "new"
	LeadStatusContacted = "contacted"
	LeadStatusQualified = "qualified"
	LeadStatusClosed    = "closed"
)

const (
	PostStatusDraft     = "draft"
	PostStatusPublished = "published"
)

type ChatSession struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	VisitorName   string            `json:"visitor_name,omitempty"`
	VisitorEmail  string            `json:"visitor_email,omitempty"`
	VisitorPhone  string            `json:"visitor_phone,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AssignedAdmin string            `json:"assigned_admin,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastMessageAt time.Time         `json:"last_message_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Sender      string    `json:"sender"`
	Content     *string   `json:"content"`
	MessageType string    `json:"message_type"`
	FileURL     *string   `json:"file_url"`
	SenderName  *string   `json:"sender_name"`
	Intent      string    `json:"intent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Text returns the message body or "" for file messages without a caption.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

type Lead struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone"`
	Email             string    `json:"email"`
	VehicleYear       int       `json:"vehicle_year,omitempty"`
	VehicleMake       string    `json:"vehicle_make,omitempty"`
	VehicleModel      string    `json:"vehicle_model,omitempty"`
	VehicleTrim       string    `json:"vehicle_trim,omitempty"`
	VehicleMileage    int       `json:"vehicle_mileage,omitempty"`
	AccidentDate      string    `json:"accident_date,omitempty"`
	InsuranceCompany  string    `json:"insurance_company,omitempty"`
	Injured           bool      `json:"injured"`
	InjuryDescription string    `json:"injury_description,omitempty"`
	EstimatedACV      float64   `json:"estimated_acv,omitempty"`
	Source            string    `json:"source"`
	Status            string    `json:"status"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Post struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Slug        string     `json:"slug"`
	Body        string     `json:"body"`
	Excerpt     string     `json:"excerpt,omitempty"`
	Status      string     `json:"status"`
	Tags        []string   `json:"tags"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type SessionFilter struct {
	Status string
	Limit  int
}

type LeadFilter struct {
	Status string
	Since  time.Time
	Limit  int
}

type PostFilter struct {
	Status string
	Tag    string
	Limit  int
}

// ValidSessionStatus reports whether s is a known session status.
func ValidSessionStatus(s string) bool {
	switch s {
	case SessionStatusBot, SessionStatusLive, SessionStatusClosed:
		return true
	}
	return false
}

func ValidLeadStatus(s string) bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified, LeadStatusClosed:
		return true
	}
	return false
}
