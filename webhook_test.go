package suuq

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testWebhookSecret = "test-webhook-secret-key"

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookFixture() map[string]any {
	return map[string]any{
		"source":    "suuq_chat",
		"event":     "message-created",
		"timestamp": 1756500000,
		"message": map[string]any{
			"id":             "msg-001",
			"conversationId": "conv-internal-1",
			"senderId":       "user-001",
			"content":        "Is this still available?",
			"kind":           "text",
			"createdAt":      "2026-08-01T10:00:00Z",
		},
		"sender": map[string]any{
			"id":          "user-001",
			"username":    "amal",
			"displayName": "Amal",
			"role":        "buyer",
		},
		"conversation": map[string]any{
			"id":        "conv-internal-1",
			"reference": "listing-42",
			"title":     nil,
		},
	}
}

func webhookFixtureString() string {
	b, _ := json.Marshal(webhookFixture())
	return string(b)
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := webhookFixtureString()

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyWebhookSignature(body, signBody(body, testWebhookSecret), testWebhookSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(signBody(body, testWebhookSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testWebhookSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyWebhookSignature(body, signBody(body, "other"), testWebhookSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifyWebhookSignature(body+"x", signBody(body, testWebhookSecret), testWebhookSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testWebhookSecret) ||
			VerifyWebhookSignature(body, "", testWebhookSecret) ||
			VerifyWebhookSignature(body, "sha256=abc", "") ||
			VerifyWebhookSignature(body, "sha256=", testWebhookSecret) {
			t.Fatal("expected false for empty input")
		}
	})
}

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParseWebhookPayload(webhookFixtureString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Event != "message-created" {
			t.Errorf("expected event message-created, got %s", payload.Event)
		}
		if payload.Message.ID != "msg-001" || payload.Message.Kind != KindText {
			t.Errorf("unexpected message: %+v", payload.Message)
		}
		if payload.Conversation.Reference != "listing-42" {
			t.Errorf("expected reference listing-42, got %s", payload.Conversation.Reference)
		}
		if payload.Sender.Role != "buyer" {
			t.Errorf("expected buyer role, got %s", payload.Sender.Role)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookPayload("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		data := webhookFixture()
		data["source"] = "somebody_else"
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown webhook source") {
			t.Fatalf("expected unknown source error, got: %v", err)
		}
	})

	t.Run("missing event", func(t *testing.T) {
		data := webhookFixture()
		data["event"] = ""
		b, _ := json.Marshal(data)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected missing event error")
		}
	})

	t.Run("missing message id", func(t *testing.T) {
		data := webhookFixture()
		data["message"].(map[string]any)["id"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing required fields") {
			t.Fatalf("expected missing fields error, got: %v", err)
		}
	})
}

func TestWebhookHandle(t *testing.T) {
	t.Run("requires secret", func(t *testing.T) {
		if _, err := NewWebhook("", nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) (*WebhookReply, error) { return nil, nil })
		status, _ := wh.Handle(webhookFixtureString(), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) (*WebhookReply, error) { return nil, nil })
		body := `{"source": "somebody_else"}`
		status, _ := wh.Handle(body, signBody(body, testWebhookSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success without reply", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) (*WebhookReply, error) { return nil, nil })
		body := webhookFixtureString()
		status, data := wh.Handle(body, signBody(body, testWebhookSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if m := data.(map[string]bool); !m["ok"] {
			t.Fatal("expected ok:true")
		}
	})

	t.Run("success with reply", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) (*WebhookReply, error) {
			return &WebhookReply{Content: "Echo: " + p.Message.Content}, nil
		})
		body := webhookFixtureString()
		status, data := wh.Handle(body, signBody(body, testWebhookSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		reply := data.(*WebhookReply)
		if reply.Content != "Echo: Is this still available?" {
			t.Fatalf("unexpected reply: %s", reply.Content)
		}
	})

	t.Run("handler error", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) (*WebhookReply, error) {
			return nil, errors.New("downstream unavailable")
		})
		body := webhookFixtureString()
		status, data := wh.Handle(body, signBody(body, testWebhookSecret))
		if status != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", status)
		}
		if m := data.(map[string]string); !strings.Contains(m["error"], "downstream unavailable") {
			t.Fatalf("unexpected error body: %v", m)
		}
	})
}

func TestWebhookHTTPHandler(t *testing.T) {
	wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) (*WebhookReply, error) { return nil, nil })

	t.Run("rejects GET", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookFixtureString()))
		req.Header.Set("X-Suuq-Signature", "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("accepts signed payload", func(t *testing.T) {
		body := webhookFixtureString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("X-Suuq-Signature", signBody(body, testWebhookSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
	})
}
