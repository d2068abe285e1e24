package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
)

const dialogflowScope = "https://www.googleapis.com/auth/dialogflow"

type detectIntentRequest struct {
	QueryInput struct {
		Text struct {
			Text         string `json:"text"`
			LanguageCode string `json:"languageCode"`
		} `json:"text"`
	} `json:"queryInput"`
}

type detectIntentResponse struct {
	ResponseID  string `json:"responseId"`
	QueryResult struct {
		QueryText                 string         `json:"queryText"`
		Parameters                map[string]any `json:"parameters"`
		AllRequiredParamsPresent  bool           `json:"allRequiredParamsPresent"`
		FulfillmentText           string         `json:"fulfillmentText"`
		IntentDetectionConfidence float64        `json:"intentDetectionConfidence"`
		Intent                    struct {
			Name           string `json:"name"`
			DisplayName    string `json:"displayName"`
			IsFallback     bool   `json:"isFallback"`
			EndInteraction bool   `json:"endInteraction"`
		} `json:"intent"`
	} `json:"queryResult"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Dialogflow calls the Dialogflow ES v2 detectIntent REST endpoint.
type Dialogflow struct {
	ProjectID    string
	LanguageCode string
	Endpoint     string
	MaxRetries   int
	Client       *http.Client

	backoff func(attempt int) time.Duration
}

// NewDialogflow builds a client authorized with Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS or the metadata server).
func NewDialogflow(ctx context.Context, projectID, languageCode, endpoint string, maxRetries int) (*Dialogflow, error) {
	client, err := google.DefaultClient(ctx, dialogflowScope)
	if err != nil {
		return nil, fmt.Errorf("dialogflow credentials: %w", err)
	}
	return &Dialogflow{
		ProjectID:    projectID,
		LanguageCode: languageCode,
		Endpoint:     endpoint,
		MaxRetries:   maxRetries,
		Client:       client,
	}, nil
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("dialogflow: status %d: %s", e.Code, e.Body)
}

func retriable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.Code == http.StatusTooManyRequests || se.Code == http.StatusServiceUnavailable
	}
	return false
}

// retryWithBackoff retries fn while it fails with 429/503, doubling the wait
// each time.
func (d *Dialogflow) retryWithBackoff(ctx context.Context, fn func() error) error {
	attempts := d.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := d.backoff
	if backoff == nil {
		backoff = func(i int) time.Duration { return time.Duration(1<<uint(i)) * time.Second }
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !retriable(err) {
			return err
		}
		if i < attempts-1 {
			wait := backoff(i)
			log.Printf("nlu: retrying detectIntent after %v: %v", wait, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", err)
}

func (d *Dialogflow) DetectIntent(ctx context.Context, sessionID, text string) (*Result, error) {
	var body detectIntentRequest
	body.QueryInput.Text.Text = text
	body.QueryInput.Text.LanguageCode = d.LanguageCode
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v2/projects/%s/agent/sessions/%s:detectIntent",
		strings.TrimRight(d.Endpoint, "/"), d.ProjectID, sessionID)

	var parsed detectIntentResponse
	err = d.retryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{Code: resp.StatusCode, Body: string(raw)}
		}
		return json.Unmarshal(raw, &parsed)
	})
	if err != nil {
		return nil, err
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("dialogflow: %s: %s", parsed.Error.Status, parsed.Error.Message)
	}

	qr := parsed.QueryResult
	return &Result{
		Intent:                   qr.Intent.DisplayName,
		Confidence:               qr.IntentDetectionConfidence,
		FulfillmentText:          qr.FulfillmentText,
		Parameters:               qr.Parameters,
		AllRequiredParamsPresent: qr.AllRequiredParamsPresent,
		IsFallback:               qr.Intent.IsFallback,
		EndInteraction:           qr.Intent.EndInteraction,
	}, nil
}
