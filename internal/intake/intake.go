package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"claim-intake-server/internal/db"
	"claim-intake-server/internal/nlu"
	"claim-intake-server/internal/notify"
	"claim-intake-server/internal/realtime"
	"claim-intake-server/internal/valuation"
)

var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrSessionClosed     = errors.New("chat session is closed")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrNotLive           = errors.New("chat session is not in live mode")
	ErrInvalidSender     = errors.New("invalid sender")
)

const (
	DefaultGreeting = "Hi! I'm the claims assistant. Was your vehicle damaged or totaled in a Texas accident? Tell me what happened."
	takeoverNotice  = "A claims specialist has joined the chat."
	releaseNotice   = "You're chatting with the claims assistant again."
	closeNotice     = "This chat has been closed. Thanks for reaching out!"

	notifyTimeout = 30 * time.Second
	maxMessageLen = 4000
)

// Publisher fans record changes out to realtime subscribers.
type Publisher interface {
	PublishChange(table, changeType string, record any, topics ...string)
}

// Assistant answers what the NLU agent falls back on.
type Assistant interface {
	Reply(ctx context.Context, history []db.Message, text string) (string, error)
}

type Service struct {
	Store     db.Store
	Detector  nlu.Detector
	Assistant Assistant
	Notifier  notify.Notifier
	Publisher Publisher

	TerminalIntents []string
	Greeting        string
	Estimator       valuation.Estimator
}

type Visitor struct {
	Name     string            `json:"name"`
	Email    string            `json:"email"`
	Phone    string            `json:"phone"`
	Metadata map[string]string `json:"metadata"`
}

// Reply is the outcome of one visitor turn. BotMessage is nil while an
// admin has the session; Lead is set only on the turn that created it.
type Reply struct {
	Session     *db.ChatSession `json:"session"`
	UserMessage *db.Message     `json:"user_message"`
	BotMessage  *db.Message     `json:"bot_message,omitempty"`
	Intent      string          `json:"intent,omitempty"`
	Lead        *db.Lead        `json:"lead,omitempty"`
}

// StartSession opens a bot-mode session and posts the greeting.
func (s *Service) StartSession(ctx context.Context, v Visitor) (*db.ChatSession, *db.Message, error) {
	session, err := s.Store.CreateSession(ctx, db.ChatSession{
		Status:       db.SessionStatusBot,
		VisitorName:  strings.TrimSpace(v.Name),
		VisitorEmail: strings.TrimSpace(v.Email),
		VisitorPhone: strings.TrimSpace(v.Phone),
		Metadata:     v.Metadata,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	s.publish("chat_sessions", "INSERT", session, realtime.AdminTopic)

	greeting := s.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	msg, err := s.addMessage(ctx, session.ID, db.SenderBot, greeting, "greeting")
	if err != nil {
		return nil, nil, err
	}
	return session, msg, nil
}

// HandleUserMessage runs one visitor turn through the intake pipeline.
func (s *Service) HandleUserMessage(ctx context.Context, sessionID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	text = truncate(text, maxMessageLen)

	session, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == db.SessionStatusClosed {
		return nil, ErrSessionClosed
	}

	userMsg, err := s.addMessage(ctx, sessionID, db.SenderUser, text, "")
	if err != nil {
		return nil, err
	}
	reply := &Reply{Session: session, UserMessage: userMsg}
	if session.Status == db.SessionStatusLive {
		return reply, nil
	}

	res, err := s.Detector.DetectIntent(ctx, sessionID, text)
	if err != nil {
		return nil, fmt.Errorf("detect intent: %w", err)
	}
	reply.Intent = res.Intent

	answer := res.FulfillmentText
	if res.IsFallback && s.Assistant != nil {
		if generated, err := s.assist(ctx, sessionID, text); err != nil {
			log.Printf("intake: assistant failed for session %s: %v", sessionID, err)
		} else {
			answer = generated
		}
	}
	if answer != "" {
		botMsg, err := s.addMessage(ctx, sessionID, db.SenderBot, answer, res.Intent)
		if err != nil {
			return nil, err
		}
		reply.BotMessage = botMsg
	}

	if s.isTerminal(res) {
		lead, err := s.captureLead(ctx, session, res)
		if err != nil {
			return nil, err
		}
		reply.Lead = lead
	}
	return reply, nil
}

// Takeover hands a bot session to an admin.
func (s *Service) Takeover(ctx context.Context, sessionID, admin string) (*db.ChatSession, error) {
	return s.transition(ctx, sessionID, db.SessionStatusLive, admin, takeoverNotice)
}

// Release gives a live session back to the bot.
func (s *Service) Release(ctx context.Context, sessionID string) (*db.ChatSession, error) {
	return s.transition(ctx, sessionID, db.SessionStatusBot, "", releaseNotice)
}

func (s *Service) Close(ctx context.Context, sessionID string) (*db.ChatSession, error) {
	return s.transition(ctx, sessionID, db.SessionStatusClosed, "", closeNotice)
}

// AdminReply posts an admin message into a live session.
func (s *Service) AdminReply(ctx context.Context, sessionID, admin, text string) (*db.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	session, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != db.SessionStatusLive {
		return nil, ErrNotLive
	}

	msg := db.Message{SessionID: sessionID, Sender: db.SenderAdmin, Content: &text}
	if admin != "" {
		msg.SenderName = &admin
	}
	return s.insert(ctx, msg)
}

// AttachFile records an uploaded file as a chat message.
func (s *Service) AttachFile(ctx context.Context, sessionID, sender, fileURL, name string) (*db.Message, error) {
	if sender != db.SenderUser && sender != db.SenderAdmin {
		return nil, ErrInvalidSender
	}
	session, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == db.SessionStatusClosed {
		return nil, ErrSessionClosed
	}

	msg := db.Message{
		SessionID:   sessionID,
		Sender:      sender,
		MessageType: db.MessageTypeFile,
		FileURL:     &fileURL,
	}
	if name != "" {
		msg.Content = &name
	}
	return s.insert(ctx, msg)
}

func allowed(from, to string) bool {
	switch to {
	case db.SessionStatusLive:
		return from == db.SessionStatusBot
	case db.SessionStatusBot:
		return from == db.SessionStatusLive
	case db.SessionStatusClosed:
		return from == db.SessionStatusBot || from == db.SessionStatusLive
	}
	return false
}

func (s *Service) transition(ctx context.Context, sessionID, to, admin, notice string) (*db.ChatSession, error) {
	session, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !allowed(session.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, to)
	}

	session.Status = to
	session.AssignedAdmin = admin
	if to == db.SessionStatusClosed {
		t := time.Now().UTC()
		session.ClosedAt = &t
		s.forget(sessionID)
	}
	updated, err := s.Store.UpdateSession(ctx, *session)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	s.publish("chat_sessions", "UPDATE", updated, realtime.ChatTopic(sessionID), realtime.AdminTopic)
	log.Printf("intake: session %s is now %s", sessionID, to)

	if _, err := s.addMessage(ctx, sessionID, db.SenderBot, notice, ""); err != nil {
		log.Printf("intake: post %s notice for session %s: %v", to, sessionID, err)
	}
	return updated, nil
}

func (s *Service) isTerminal(res *nlu.Result) bool {
	return res.AllRequiredParamsPresent && slices.Contains(s.TerminalIntents, res.Intent)
}

func (s *Service) assist(ctx context.Context, sessionID, text string) (string, error) {
	history, err := s.Store.GetMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	// The new user message is already stored; Reply appends it itself.
	if n := len(history); n > 0 && history[n-1].Sender == db.SenderUser {
		history = history[:n-1]
	}
	return s.Assistant.Reply(ctx, history, text)
}

func (s *Service) captureLead(ctx context.Context, session *db.ChatSession, res *nlu.Result) (*db.Lead, error) {
	lead := BuildLead(session, res)
	if acv, ok := s.estimate(lead); ok {
		lead.EstimatedACV = acv
	}

	created, err := s.Store.CreateLead(ctx, lead)
	if errors.Is(err, db.ErrLeadExists) {
		log.Printf("intake: lead for session %s already captured", session.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}
	s.publish("leads", "INSERT", created, realtime.AdminTopic)
	log.Printf("intake: captured lead %s for session %s", created.ID, session.ID)
	s.forget(session.ID)

	if s.Notifier != nil {
		transcript, err := s.Store.GetMessages(ctx, session.ID)
		if err != nil {
			log.Printf("intake: load transcript for lead %s: %v", created.ID, err)
		}
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.Notifier.NotifyLead(nctx, *created, transcript); err != nil {
			log.Printf("intake: notify lead %s: %v", created.ID, err)
		}
	}
	return created, nil
}

// BuildLead maps NLU parameters onto a lead, falling back to what the
// visitor entered when the session was opened.
func BuildLead(session *db.ChatSession, res *nlu.Result) db.Lead {
	lead := db.Lead{
		SessionID:         session.ID,
		Name:              firstNonEmpty(res.String("name"), res.String("person"), session.VisitorName),
		Phone:             firstNonEmpty(res.String("phone-number"), session.VisitorPhone),
		Email:             firstNonEmpty(res.String("email"), session.VisitorEmail),
		VehicleYear:       res.Int("vehicle-year"),
		VehicleMake:       res.String("vehicle-make"),
		VehicleModel:      res.String("vehicle-model"),
		VehicleTrim:       res.String("vehicle-trim"),
		VehicleMileage:    res.Int("vehicle-mileage"),
		AccidentDate:      res.String("accident-date"),
		InsuranceCompany:  res.String("insurance-company"),
		Injured:           res.Bool("injured"),
		InjuryDescription: res.String("injury-description"),
		Source:            "chat",
		Status:            db.LeadStatusNew,
	}
	if lead.InjuryDescription != "" {
		lead.Injured = true
	}
	return lead
}

func (s *Service) estimate(lead db.Lead) (float64, bool) {
	if lead.VehicleYear == 0 || (lead.VehicleMake == "" && lead.VehicleModel == "") {
		return 0, false
	}
	est, err := s.Estimator.Estimate(valuation.Vehicle{
		Year:  lead.VehicleYear,
		Make:  lead.VehicleMake,
		Model: lead.VehicleModel,
		Trim:  lead.VehicleTrim,
	})
	if err != nil {
		log.Printf("intake: skip ACV for session %s: %v", lead.SessionID, err)
		return 0, false
	}
	return est.ACV, true
}

func (s *Service) addMessage(ctx context.Context, sessionID, sender, text, intent string) (*db.Message, error) {
	return s.insert(ctx, db.Message{
		SessionID: sessionID,
		Sender:    sender,
		Content:   &text,
		Intent:    intent,
	})
}

func (s *Service) insert(ctx context.Context, msg db.Message) (*db.Message, error) {
	created, err := s.Store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("save %s message: %w", msg.Sender, err)
	}
	s.publish("chat_messages", "INSERT", created, realtime.ChatTopic(msg.SessionID), realtime.AdminTopic)
	return created, nil
}

func (s *Service) publish(table, changeType string, record any, topics ...string) {
	if s.Publisher != nil {
		s.Publisher.PublishChange(table, changeType, record, topics...)
	}
}

// forget clears per-session state held by detectors that keep any.
func (s *Service) forget(sessionID string) {
	if f, ok := s.Detector.(interface{ Forget(string) }); ok {
		f.Forget(sessionID)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
