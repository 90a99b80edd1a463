package pasalsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func signBody(partnerKey, url string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(partnerKey))
	mac.Write([]byte(url + "|"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	key := "partner-secret"
	url := "https://api.example.com/webhooks/pasal"
	body := []byte(`{"shop_id":"123","order_sn":"O1"}`)
	sig := signBody(key, url, body)

	if !VerifyWebhookSignature(key, url, body, sig) {
		t.Fatal("valid signature rejected")
	}
	// Header values often arrive with surrounding whitespace.
	if !VerifyWebhookSignature(key, url, body, "  "+sig+"\n") {
		t.Fatal("valid signature with whitespace rejected")
	}
}

func TestVerifyWebhookSignatureRejectsTampering(t *testing.T) {
	key := "partner-secret"
	url := "https://api.example.com/webhooks/pasal"
	body := []byte(`{"shop_id":"123","order_sn":"O1"}`)
	sig := signBody(key, url, body)

	if VerifyWebhookSignature(key, url, []byte(`{"shop_id":"123","order_sn":"O2"}`), sig) {
		t.Fatal("tampered body accepted")
	}
	if VerifyWebhookSignature("wrong-key", url, body, sig) {
		t.Fatal("wrong key accepted")
	}
	if VerifyWebhookSignature(key, "https://evil.example.com/", body, sig) {
		t.Fatal("different url accepted")
	}
	if VerifyWebhookSignature(key, url, body, "") {
		t.Fatal("empty signature accepted")
	}
}
