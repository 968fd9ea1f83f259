package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const tokenAudience = "jobrunner"

// verifySignedToken checks an HS256 JWT: signature, exp/nbf against now and
// an audience of "jobrunner".
func verifySignedToken(token, secret string, now time.Time) bool {
	if token == "" || secret == "" {
		return false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || header.Alg != "HS256" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, mac.Sum(nil)) {
		return false
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return false
	}
	if exp, ok := claims["exp"].(float64); ok && int64(exp) < now.Unix() {
		return false
	}
	if nbf, ok := claims["nbf"].(float64); ok && int64(nbf) > now.Unix() {
		return false
	}
	return audienceAllows(claims["aud"])
}

func audienceAllows(val interface{}) bool {
	switch v := val.(type) {
	case string:
		return v == tokenAudience
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == tokenAudience {
				return true
			}
		}
	}
	return false
}
