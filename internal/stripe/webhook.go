package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance matches the replay window Stripe's own
// libraries use.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("stripe: missing webhook signature")
	ErrInvalidSignature = errors.New("stripe: webhook signature mismatch")
	ErrSignatureExpired = errors.New("stripe: webhook signature timestamp outside tolerance")
)

// Event is a parsed webhook event. Object is the raw data.object payload.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Created int64                  `json:"created"`
	Object  map[string]interface{} `json:"-"`
}

// Subscription is the subset of a Stripe subscription object we persist.
type Subscription struct {
	ID                string
	CustomerID        string
	PriceID           string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	Created           time.Time
	Metadata          map[string]string
}

// ParseEvent decodes a webhook body. It does not verify the signature.
func ParseEvent(body []byte) (*Event, error) {
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object map[string]interface{} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse webhook event: %w", err)
	}
	if envelope.Type == "" {
		return nil, errors.New("parse webhook event: missing type")
	}

	return &Event{
		ID:      envelope.ID,
		Type:    envelope.Type,
		Created: envelope.Created,
		Object:  envelope.Data.Object,
	}, nil
}

// VerifyWebhookSignature checks a Stripe-Signature header
// ("t=<unix>,v1=<hex>,...") against the endpoint secret. Any matching v1
// signature is accepted. tolerance <= 0 disables the timestamp check.
func VerifyWebhookSignature(payload []byte, header, secret string, tolerance time.Duration) error {
	return verifySignatureAt(payload, header, secret, tolerance, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}

	var (
		timestamp  int64
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: invalid timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return ErrMissingSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}

	expected := ComputeSignature(payload, secret, timestamp)
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ComputeSignature returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func ComputeSignature(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds a Stripe-Signature header value. Used by tests and
// by tooling that replays events locally.
func SignatureHeader(payload []byte, secret string, timestamp time.Time) string {
	ts := timestamp.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(payload, secret, ts))
}

// SubscriptionFromEvent decodes data.object of a customer.subscription.* event.
func SubscriptionFromEvent(event *Event) *Subscription {
	if event == nil {
		return nil
	}
	return subscriptionFromObject(event.Object)
}

func subscriptionFromObject(obj map[string]interface{}) *Subscription {
	sub := &Subscription{Metadata: map[string]string{}}
	sub.ID, _ = obj["id"].(string)
	sub.Status, _ = obj["status"].(string)
	sub.CancelAtPeriodEnd, _ = obj["cancel_at_period_end"].(bool)
	sub.CustomerID = expandableID(obj["customer"])
	sub.PriceID = extractPriceID(obj)

	if created, ok := unixField(obj, "created"); ok {
		sub.Created = created
	}

	// Newer API versions moved current_period_end onto subscription items.
	if end, ok := unixField(obj, "current_period_end"); ok {
		sub.CurrentPeriodEnd = &end
	} else if item := firstItem(obj); item != nil {
		if end, ok := unixField(item, "current_period_end"); ok {
			sub.CurrentPeriodEnd = &end
		}
	}

	if md, ok := obj["metadata"].(map[string]interface{}); ok {
		for k, v := range md {
			if s, ok := v.(string); ok {
				sub.Metadata[k] = s
			}
		}
	}

	return sub
}

// expandableID returns the id of a field that is either a bare id string or
// an expanded object.
func expandableID(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		id, _ := val["id"].(string)
		return id
	}
	return ""
}

func unixField(obj map[string]interface{}, key string) (time.Time, bool) {
	raw, ok := obj[key].(float64)
	if !ok || raw <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(raw), 0).UTC(), true
}

func firstItem(obj map[string]interface{}) map[string]interface{} {
	items, ok := obj["items"].(map[string]interface{})
	if !ok {
		return nil
	}
	dataArr, ok := items["data"].([]interface{})
	if !ok || len(dataArr) == 0 {
		return nil
	}
	item, _ := dataArr[0].(map[string]interface{})
	return item
}

// extractPriceID extracts the price ID from a subscription object's items
func extractPriceID(obj map[string]interface{}) string {
	item := firstItem(obj)
	if item == nil {
		return ""
	}
	price, ok := item["price"].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := price["id"].(string)
	return id
}
