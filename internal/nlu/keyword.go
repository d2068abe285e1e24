package nlu

import (
	"context"
	"regexp"
	"log"
	"strings"
	"sync"
	"time"
)

const FallbackIntent = "Default Fallback Intent"

var (
	phonePattern = regexp.MustCompile(`(?:\+?1[\s.-]?)?\(?(\d{3})\)?[\s.-]?(\d{3})[\s.-]?(\d{4})\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	yearPattern  = regexp.MustCompile(`\b(19[89]\d|20[0-3]\d)\b`)
	namePattern  = regexp.MustCompile(`\b(?:[Mm]y name is|[Nn]ame's)\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Z][A-Za-z'-]*)?)`)
)

var knownMakes = []string{
	"acura", "audi", "bmw", "buick", "cadillac", "chevrolet", "chevy", "chrysler", "dodge", "ford", "gmc",
	"honda", "hyundai", "infiniti", "jeep", "kia", "lexus", "lincoln", "mazda", "mercedes", "nissan",
	"ram", "subaru", "tesla", "toyota", "volkswagen", "volvo",
}

type keywordRule struct {
	intent   string
	keywords []string
	reply    string
}

var keywordRules = []keywordRule{
	{
		intent:   "greeting",
		keywords: []string{"hello", " hi ", " hey ", "good morning", "good afternoon"},
		reply:    "Hi! I can help if your car was totaled or badly damaged in a Texas accident. What happened?",
	},
	{
		intent:   "acv.question",
		keywords: []string{"acv", "actual cash value", "what is my car worth", "lowball", "low offer", "valuation"},
		reply:    "Insurers must pay the Actual Cash Value of your car right before the crash. If their offer feels low, we can review it. What year, make and model is the vehicle?",
	},
	{
		intent:   "total.loss.question",
		keywords: []string{"total loss", "totaled", "totalled", "salvage"},
		reply:    "In Texas a car is usually a total loss when repairs cost as much as its value. Can you share the year, make and model?",
	},
	{
		intent:   "injury.question",
		keywords: []string{"injur", "hurt", "hospital", "doctor", "pain"},
		reply:    "I'm sorry you were hurt. Please get medical care first. What is the best phone number to reach you?",
	},
	{
		intent:   "vehicle.details",
		keywords: padded(knownMakes),
		reply:    "Thanks. What is the best phone number for a claims specialist to call you?",
	},
}

func padded(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = " " + w + " "
	}
	return out
}

// Keyword is an offline detector for local development. It accumulates
// parameters per session and reports TerminalIntent once a phone number is
// known. Sessions idle past the sweep age are forgotten.
type Keyword struct {
	TerminalIntent string
	Now            func() time.Time

	mu     sync.Mutex
	params map[string]*keywordSession
}

type keywordSession struct {
	params   map[string]any
	lastSeen time.Time
}

func NewKeyword(terminalIntent string) *Keyword {
	return &Keyword{
		TerminalIntent: terminalIntent,
		Now:            time.Now,
		params:         make(map[string]*keywordSession),
	}
}

func (k *Keyword) DetectIntent(ctx context.Context, sessionID, text string) (*Result, error) {
	lower := " " + strings.ToLower(text) + " "
	params := k.collect(sessionID, text, lower)

	if _, ok := params["phone-number"]; ok {
		return &Result{
			Intent:                   k.TerminalIntent,
			Confidence:               1,
			FulfillmentText:          "Thank you! A claims specialist will call you shortly. You can keep chatting here in the meantime.",
			Parameters:               params,
			AllRequiredParamsPresent: true,
			EndInteraction:           true,
		}, nil
	}

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return &Result{Intent: rule.intent, Confidence: 0.8, FulfillmentText: rule.reply, Parameters: params}, nil
			}
		}
	}
	return &Result{
		Intent:          FallbackIntent,
		FulfillmentText: "Sorry, I didn't catch that. Was your vehicle damaged or totaled in an accident?",
		Parameters:      params,
		IsFallback:      true,
	}, nil
}

// Forget drops the parameters gathered for a session.
func (k *Keyword) Forget(sessionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.params, sessionID)
}

// Sweep forgets sessions that have been idle longer than maxAge and reports
// how many were dropped.
func (k *Keyword) Sweep(maxAge time.Duration) int {
	cutoff := k.Now().Add(-maxAge)
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for id, s := range k.params {
		if s.lastSeen.Before(cutoff) {
			delete(k.params, id)
			n++
		}
	}
	return n
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (k *Keyword) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := k.Sweep(maxAge); n > 0 {
				log.Printf("nlu: forgot %d idle keyword sessions", n)
			}
		}
	}
}

// Sessions reports how many sessions currently hold parameters.
func (k *Keyword) Sessions() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.params)
}

func (k *Keyword) collect(sessionID, text, lower string) map[string]any {
	k.mu.Lock()
	defer k.mu.Unlock()

	sess, ok := k.params[sessionID]
	if !ok {
		sess = &keywordSession{params: make(map[string]any)}
		k.params[sessionID] = sess
	}
	sess.lastSeen = k.Now()
	p := sess.params
	if m := phonePattern.FindStringSubmatch(text); m != nil {
		p["phone-number"] = m[1] + m[2] + m[3]
	}
	if m := emailPattern.FindString(text); m != "" {
		p["email"] = m
	}
	if m := yearPattern.FindString(text); m != "" {
		p["vehicle-year"] = m
	}
	if m := namePattern.FindStringSubmatch(text); m != nil {
		p["name"] = map[string]any{"name": strings.TrimSpace(m[1])}
	}
	for _, mk := range knownMakes {
		if strings.Contains(lower, " "+mk+" ") {
			p["vehicle-make"] = mk
			break
		}
	}
	if strings.Contains(lower, "injur") || strings.Contains(lower, "hurt") {
		p["injured"] = true
	}

	out := make(map[string]any, len(p))
	for key, v := range p {
		out[key] = v
	}
	return out
}
