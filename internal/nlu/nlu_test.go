package nlu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detectIntentBody = `{
  "responseId": "r-1",
  "queryResult": {
    "queryText": "my number is 512-555-0100",
    "parameters": {
      "name": {"name": "Dana Ruiz"},
      "phone-number": "5125550100",
      "vehicle-year": 2019,
      "injured": "yes",
      "vehicle-make": ["Toyota"]
    },
    "allRequiredParamsPresent": true,
    "fulfillmentText": "Thanks Dana, a specialist will call you.",
    "intentDetectionConfidence": 0.93,
    "intent": {
      "name": "projects/tx-claims/agent/intents/abc",
      "displayName": "claim.intake.complete",
      "endInteraction": true
    }
  }
}`

func testDialogflow(url string, client *http.Client) *Dialogflow {
	return &Dialogflow{
		ProjectID:    "tx-claims",
		LanguageCode: "en-US",
		Endpoint:     url,
		MaxRetries:   3,
		Client:       client,
		backoff:      func(int) time.Duration { return time.Millisecond },
	}
}

func TestDialogflowDetectIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/projects/tx-claims/agent/sessions/s-1:detectIntent", r.URL.Path)
		var req detectIntentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "my number is 512-555-0100", req.QueryInput.Text.Text)
		assert.Equal(t, "en-US", req.QueryInput.Text.LanguageCode)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(detectIntentBody))
	}))
	defer srv.Close()

	res, err := testDialogflow(srv.URL, srv.Client()).DetectIntent(context.Background(), "s-1", "my number is 512-555-0100")
	require.NoError(t, err)
	assert.Equal(t, "claim.intake.complete", res.Intent)
	assert.True(t, res.AllRequiredParamsPresent)
	assert.True(t, res.EndInteraction)
	assert.False(t, res.IsFallback)
	assert.Equal(t, "Dana Ruiz", res.String("name"))
	assert.Equal(t, "5125550100", res.String("phone-number"))
	assert.Equal(t, 2019, res.Int("vehicle-year"))
	assert.Equal(t, "Toyota", res.String("vehicle-make"))
	assert.True(t, res.Bool("injured"))
	assert.Equal(t, "", res.String("missing"))
}

func TestDialogflowRetriesUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, `{"error":{"code":503,"status":"UNAVAILABLE"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(detectIntentBody))
	}))
	defer srv.Close()

	res, err := testDialogflow(srv.URL, srv.Client()).DetectIntent(context.Background(), "s-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "claim.intake.complete", res.Intent)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDialogflowDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad session", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testDialogflow(srv.URL, srv.Client()).DetectIntent(context.Background(), "s-1", "hi")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKeywordCollectsAcrossTurns(t *testing.T) {
	ctx := context.Background()
	k := NewKeyword("claim.intake.complete")

	res, err := k.DetectIntent(ctx, "s-1", "Hello there")
	require.NoError(t, err)
	assert.Equal(t, "greeting", res.Intent)

	res, err = k.DetectIntent(ctx, "s-1", "My name is Dana and my 2018 toyota was totaled")
	require.NoError(t, err)
	assert.Equal(t, "total.loss.question", res.Intent)
	assert.Equal(t, "Dana", res.String("name"))
	assert.Equal(t, 2018, res.Int("vehicle-year"))
	assert.Equal(t, "toyota", res.String("vehicle-make"))

	res, err = k.DetectIntent(ctx, "s-1", "call me at (512) 555-0100")
	require.NoError(t, err)
	assert.Equal(t, "claim.intake.complete", res.Intent)
	assert.True(t, res.AllRequiredParamsPresent)
	assert.Equal(t, "5125550100", res.String("phone-number"))
	assert.Equal(t, "Dana", res.String("name"), "earlier turns are kept")

	other, err := k.DetectIntent(ctx, "s-2", "blah")
	require.NoError(t, err)
	assert.True(t, other.IsFallback)
	assert.Empty(t, other.String("phone-number"))

	k.Forget("s-1")
	res, err = k.DetectIntent(ctx, "s-1", "ok")
	require.NoError(t, err)
	assert.True(t, res.IsFallback)
}

func TestKeywordSweepForgetsIdleSessions(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	k := NewKeyword("claim.intake.complete")
	k.Now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := k.DetectIntent(ctx, "old", "my name is Dana")
	require.NoError(t, err)
	clock = clock.Add(45 * time.Minute)
	_, err = k.DetectIntent(ctx, "fresh", "my name is Lee")
	require.NoError(t, err)
	require.Equal(t, 2, k.Sessions())

	clock = clock.Add(30 * time.Minute)
	assert.Equal(t, 1, k.Sweep(time.Hour))
	assert.Equal(t, 1, k.Sessions())

	res, err := k.DetectIntent(ctx, "old", "ok")
	require.NoError(t, err)
	assert.Empty(t, res.String("name"))
	res, err = k.DetectIntent(ctx, "fresh", "ok")
	require.NoError(t, err)
	assert.Equal(t, "Lee", res.String("name"))
}
