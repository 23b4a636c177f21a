package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds how far a signed timestamp may lie from
// the current time before the signature is rejected as stale.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifyWebhookSignature checks a provider webhook signature header against
// the configured webhook secret. The primary scheme is "t=<unix>,v1=<hex>"
// where the HMAC-SHA256 is computed over "<unix>.<payload>". A bare hex
// HMAC-SHA256 of the payload is accepted as a fallback for senders that do
// not timestamp their signatures.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string, now time.Time) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	if ts, candidates, ok := parseSignatureHeader(sig); ok {
		if absDuration(now.Sub(ts)) > DefaultSignatureTolerance {
			return false
		}
		signed := append([]byte(strconv.FormatInt(ts.Unix(), 10)+"."), payload...)
		for _, candidate := range candidates {
			if verifyHMACSHA256(signed, candidate, []byte(secret)) {
				return true
			}
		}
		return false
	}

	// Fallback for plain hex signatures without a timestamp component.
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return verifyHMACSHA256(payload, decoded, []byte(secret))
}

func parseSignatureHeader(header string) (time.Time, [][]byte, bool) {
	var ts time.Time
	var candidates [][]byte
	haveTimestamp := false

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			unix, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return time.Time{}, nil, false
			}
			ts = time.Unix(unix, 0)
			haveTimestamp = true
		case "v1":
			decoded, err := hex.DecodeString(strings.ToLower(kv[1]))
			if err != nil {
				continue
			}
			candidates = append(candidates, decoded)
		}
	}

	if !haveTimestamp || len(candidates) == 0 {
		return time.Time{}, nil, false
	}
	return ts, candidates, true
}

func verifyHMACSHA256(payload, expectedSig, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
