package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mail "gopkg.in/mail.v2"

	"claim-intake-server/internal/db"
)

func sampleLead() db.Lead {
	return db.Lead{
		ID:                "lead-1",
		SessionID:         "sess-1",
		Name:              "Dana Ruiz",
		Phone:             "512-555-0199",
		Email:             "dana@example.com",
		VehicleYear:       2020,
		VehicleMake:       "Toyota",
		VehicleModel:      "Camry",
		VehicleTrim:       "XLE",
		EstimatedACV:      12672,
		InsuranceCompany:  "State Farm",
		Injured:           true,
		InjuryDescription: "neck pain",
		CreatedAt:         time.Date(2026, 6, 1, 17, 0, 0, 0, time.UTC),
	}
}

func msg(sender, s string) db.Message {
	return db.Message{Sender: sender, Content: &s, MessageType: db.MessageTypeText}
}

func TestRender(t *testing.T) {
	body, err := Render(sampleLead(), []db.Message{
		msg(db.SenderUser, "my camry was totaled"),
		msg(db.SenderBot, "Sorry to hear that."),
	})
	require.NoError(t, err)

	assert.Contains(t, body, "Name: Dana Ruiz")
	assert.Contains(t, body, "Phone: 512-555-0199")
	assert.Contains(t, body, "Vehicle: 2020 Toyota Camry XLE")
	assert.Contains(t, body, "Estimated ACV: $12,672")
	assert.Contains(t, body, "Insurer: State Farm")
	assert.Contains(t, body, "Injured: yes (neck pain)")
	assert.Contains(t, body, "[user] my camry was totaled")
	assert.Contains(t, body, "[bot] Sorry to hear that.")
}

func TestRenderSparseLead(t *testing.T) {
	body, err := Render(db.Lead{Phone: "5125550199"}, nil)
	require.NoError(t, err)

	assert.Contains(t, body, "Name: -")
	assert.Contains(t, body, "Injured: no")
	assert.NotContains(t, body, "Vehicle:")
	assert.NotContains(t, body, "Estimated ACV")
	assert.NotContains(t, body, "Transcript")
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "New lead: Dana Ruiz (2020 Toyota Camry)", Subject(sampleLead()))
	assert.Equal(t, "New lead: Unknown visitor", Subject(db.Lead{}))
}

func TestGroupThousands(t *testing.T) {
	assert.Equal(t, "0", groupThousands(0))
	assert.Equal(t, "999", groupThousands(999))
	assert.Equal(t, "1,000", groupThousands(1000))
	assert.Equal(t, "1,234,567", groupThousands(1234567))
	assert.Equal(t, "-45,000", groupThousands(-45000))
}

type fakeMail struct {
	sent []*mail.Message
	err  error
}

func (f *fakeMail) DialAndSend(m ...*mail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmailNotifyLead(t *testing.T) {
	fake := &fakeMail{}
	e := &Email{From: "site@example.com", To: []string{"office@example.com"}, sender: fake}

	require.NoError(t, e.NotifyLead(context.Background(), sampleLead(), nil))
	require.Len(t, fake.sent, 1)

	m := fake.sent[0]
	assert.Equal(t, []string{"site@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"office@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"dana@example.com"}, m.GetHeader("Reply-To"))
	assert.Equal(t, []string{"New lead: Dana Ruiz (2020 Toyota Camry)"}, m.GetHeader("Subject"))
}

func TestEmailSendError(t *testing.T) {
	e := &Email{From: "a@b.c", To: []string{"d@e.f"}, sender: &fakeMail{err: errors.New("connection refused")}}
	err := e.NotifyLead(context.Background(), sampleLead(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestTelegramNotifyLead(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{ChatID: 4242, bot: bot}

	require.NoError(t, tg.NotifyLead(context.Background(), sampleLead(), []db.Message{msg(db.SenderUser, "secret transcript")}))
	require.Len(t, bot.sent, 1)

	m, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Contains(t, m.Text, "Dana Ruiz")
	assert.NotContains(t, m.Text, "secret transcript")
}

func TestNewTelegramRequiresToken(t *testing.T) {
	_, err := NewTelegram("", 1)
	assert.Error(t, err)
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) NotifyLead(ctx context.Context, lead db.Lead, transcript []db.Message) error {
	s.calls++
	return s.err
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &stubNotifier{}, &stubNotifier{err: boom}

	err := Multi{bad, ok}.NotifyLead(context.Background(), sampleLead(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)

	assert.NoError(t, Multi{ok}.NotifyLead(context.Background(), sampleLead(), nil))
	assert.NoError(t, Multi(nil).NotifyLead(context.Background(), sampleLead(), nil))
}
