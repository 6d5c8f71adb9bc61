//go:build !integration

package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/ports/adapter"
)

const testSecret = "whsec_test"

func newTestCardGateway(serverURL string) *CardGateway {
	return NewCardGateway(Config{APIKey: "sk_test", WebhookSecret: testSecret, BaseURL: serverURL})
}

func signCard(t *testing.T, secret string, ts int64, payload []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestCardGatewayCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["capture_method"] != "manual" {
			t.Errorf("capture_method = %v, want manual", body["capture_method"])
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "pi_123", "status": "requires_payment_method", "client_secret": "cs_123",
		})
	}))
	defer srv.Close()

	g := newTestCardGateway(srv.URL)
	intent, err := g.CreateIntent(context.Background(), 2500, "USD", map[string]string{"payment_id": "pay-1"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ExternalID != "pi_123" || intent.ClientSecret != "cs_123" {
		t.Fatalf("intent = %+v", intent)
	}
}

func TestCardGatewayRetrieveStatus(t *testing.T) {
	cases := []struct {
		provider string
		want     adapter.CanonicalStatus
	}{
		{"succeeded", adapter.StatusSucceeded},
		{"requires_capture", adapter.StatusSucceeded},
		{"canceled", adapter.StatusFailed},
		{"failed", adapter.StatusFailed},
		{"processing", adapter.StatusPending},
		{"requires_action", adapter.StatusRequiresAction},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "pi_123", "status": tc.provider})
			}))
			defer srv.Close()

			got, err := newTestCardGateway(srv.URL).RetrieveStatus(context.Background(), "pi_123")
			if err != nil {
				t.Fatalf("retrieve: %v", err)
			}
			if got != tc.want {
				t.Fatalf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCardGatewayErrors(t *testing.T) {
	t.Run("4xx is terminal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "card_declined", "message": "insufficient funds"},
			})
		}))
		defer srv.Close()

		_, err := newTestCardGateway(srv.URL).CreateIntent(context.Background(), 100, "USD", nil)
		if !domain.IsTerminalGateway(err) {
			t.Fatalf("err = %v, want terminal gateway error", err)
		}
		var ge *domain.GatewayError
		if !errors.As(err, &ge) || ge.Code != "card_declined" {
			t.Fatalf("code = %+v, want card_declined", ge)
		}
	})

	t.Run("5xx is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newTestCardGateway(srv.URL).RetrieveStatus(context.Background(), "pi_123")
		if !domain.IsRetryableGateway(err) {
			t.Fatalf("err = %v, want retryable gateway error", err)
		}
	})

	t.Run("connection refused is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // refuse everything

		_, err := newTestCardGateway(srv.URL).RetrieveStatus(context.Background(), "pi_123")
		if !domain.IsRetryableGateway(err) {
			t.Fatalf("err = %v, want retryable gateway error", err)
		}
	})
}

func TestCardGatewayCapture(t *testing.T) {
	t.Run("already captured tolerated", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "intent_already_captured", "message": "already captured"},
			})
		}))
		defer srv.Close()

		if err := newTestCardGateway(srv.URL).Capture(context.Background(), "pi_123"); err != nil {
			t.Fatalf("already-captured must be tolerated, got %v", err)
		}
	})
}

func TestCardGatewayRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing Idempotency-Key header")
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "re_1", "status": "succeeded"})
	}))
	defer srv.Close()

	id, err := newTestCardGateway(srv.URL).Refund(context.Background(), "pi_123", 500, "requested_by_customer")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if id != "re_1" {
		t.Fatalf("refund id = %s", id)
	}
}

func TestCardGatewayVerifyWebhookSignature(t *testing.T) {
	g := newTestCardGateway("http://unused")
	fixed := time.Unix(1700000000, 0)
	g.now = func() time.Time { return fixed }
	payload := []byte(`{"type":"payment_intent.succeeded"}`)

	t.Run("valid", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set(cardSignatureHeader, signCard(t, testSecret, fixed.Unix(), payload))
		if !g.VerifyWebhookSignature(payload, hdr) {
			t.Fatal("valid signature rejected")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set(cardSignatureHeader, signCard(t, "whsec_other", fixed.Unix(), payload))
		if g.VerifyWebhookSignature(payload, hdr) {
			t.Fatal("forged signature accepted")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set(cardSignatureHeader, signCard(t, testSecret, fixed.Unix(), payload))
		if g.VerifyWebhookSignature([]byte(`{"type":"payment_intent.canceled"}`), hdr) {
			t.Fatal("tampered payload accepted")
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := fixed.Add(-10 * time.Minute).Unix()
		hdr := http.Header{}
		hdr.Set(cardSignatureHeader, signCard(t, testSecret, old, payload))
		if g.VerifyWebhookSignature(payload, hdr) {
			t.Fatal("stale signature accepted")
		}
	})

	t.Run("malformed headers", func(t *testing.T) {
		for _, v := range []string{"", "garbage", "t=abc,v1=00", "t=1700000000", "v1=00", "t=1700000000,v1=zz"} {
			hdr := http.Header{}
			if v != "" {
				hdr.Set(cardSignatureHeader, v)
			}
			if g.VerifyWebhookSignature(payload, hdr) {
				t.Fatalf("malformed header %q accepted", v)
			}
		}
	})
}

func TestCardGatewayParseWebhookEvent(t *testing.T) {
	g := newTestCardGateway("http://unused")

	cases := []struct {
		name    string
		payload string
		want    adapter.EventType
	}{
		{"succeeded", `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","metadata":{"payment_id":"pay-1"}}}}`, adapter.EventPaymentSucceeded},
		{"capturable", `{"type":"payment_intent.amount_capturable_updated","data":{"object":{"id":"pi_1"}}}`, adapter.EventPaymentSucceeded},
		{"failed", `{"type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","last_payment_error":{"message":"declined"}}}}`, adapter.EventPaymentFailed},
		{"canceled", `{"type":"payment_intent.canceled","data":{"object":{"id":"pi_1"}}}`, adapter.EventPaymentCancelled},
		{"unrelated", `{"type":"customer.created","data":{"object":{"id":"cus_1"}}}`, adapter.EventUnhandled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := g.ParseWebhookEvent([]byte(tc.payload))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ev.Type != tc.want {
				t.Fatalf("type = %s, want %s", ev.Type, tc.want)
			}
		})
	}

	t.Run("metadata payment id extracted", func(t *testing.T) {
		ev, err := g.ParseWebhookEvent([]byte(cases[0].payload))
		if err != nil {
			t.Fatal(err)
		}
		if ev.PaymentID != "pay-1" || ev.ExternalID != "pi_1" {
			t.Fatalf("event = %+v", ev)
		}
	})

	t.Run("failure reason extracted", func(t *testing.T) {
		ev, err := g.ParseWebhookEvent([]byte(cases[2].payload))
		if err != nil {
			t.Fatal(err)
		}
		if ev.Reason != "declined" {
			t.Fatalf("reason = %q", ev.Reason)
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := g.ParseWebhookEvent([]byte("not json")); err == nil {
			t.Fatal("want error for malformed payload")
		}
	})
}
