//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/assessment"
	"github.com/stemsi/exstem-live/internal/connection"
	"github.com/stemsi/exstem-live/internal/model"
)

const (
	defaultBaseURL = "http://localhost:8080"
	e2eUserID      = 4242
	e2eTestID      = 2
)

var (
	baseURL      string
	studentToken string
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	baseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	os.Exit(m.Run())
}

func TestE2EFlow(t *testing.T) {
	// Step 1: Health
	t.Run("Health", func(t *testing.T) {
		resp, err := get("/healthz", "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	// Step 2: Mint a development token
	t.Run("DevToken", func(t *testing.T) {
		resp, err := post("/api/v1/dev/token", map[string]int{"user_id": e2eUserID}, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		studentToken = body.Data.Token
		if studentToken == "" {
			t.Fatal("token missing")
		}
	})

	// Step 3: Token is accepted by the REST API
	t.Run("Me", func(t *testing.T) {
		resp, err := get("/api/v1/auth/me", studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	// Step 4: Answer every question over the live socket
	t.Run("TakeAssessment", func(t *testing.T) {
		if studentToken == "" {
			t.Skip("no token")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := assessment.New(ctx, assessment.Config{
			Connection: connection.Config{
				URL:    "ws" + strings.TrimPrefix(baseURL, "http"),
				Token:  studentToken,
				TestID: e2eTestID,
			},
		}, zerolog.Nop())
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		defer sess.Close(context.Background())

		if err := sess.Start(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := sess.StartAssessment(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		answered := map[string]bool{}
		for {
			snap := sess.Snapshot()
			if snap.Completed {
				break
			}
			if q := snap.CurrentQuestion; q != nil && !answered[q.QuestionID] &&
				snap.InteractionType == model.InteractionWaitingResponse {
				answered[q.QuestionID] = true
				if err := sess.SubmitAnswer(q.QuestionID, q.Options[0].OptionID); err != nil {
					t.Fatalf("submit %s: %v", q.QuestionID, err)
				}
			}
			select {
			case <-ctx.Done():
				t.Fatalf("assessment did not complete, answered %d", len(answered))
			case <-time.After(50 * time.Millisecond):
			}
		}

		snap := sess.Snapshot()
		if len(snap.Responses) != len(answered) {
			t.Errorf("expected %d responses, got %d", len(answered), len(snap.Responses))
		}
		for id, r := range snap.Responses {
			if r.IsCorrect == nil {
				t.Errorf("response %s was never graded", id)
			}
		}
		t.Logf("Answered %d questions", len(answered))
	})

	// Step 5: Violation log is readable
	t.Run("Violations", func(t *testing.T) {
		resp, err := get("/api/v1/tests/2/violations", studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})
}

// Helpers

func post(path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest("POST", baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func get(path string, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
