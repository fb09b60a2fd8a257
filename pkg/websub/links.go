package websub

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var relParam = regexp.MustCompile(`(?i);\s*rel\s*=\s*(?:"([^"]*)"|([^\s;,]+))`)

// LinkHeader returns the Link value to forward with a content. Upstream
// links are kept, and hub and self links are appended when missing.
//
// https://www.w3.org/TR/websub/#content-distribution
func LinkHeader(upstream []string, selfURL, hubURL string) string {
	var links []string
	for _, v := range upstream {
		if v = strings.TrimSpace(v); v != "" {
			links = append(links, v)
		}
	}
	header := strings.Join(links, ", ")

	if !hasRel(header, "hub") {
		links = append(links, fmt.Sprintf(`<%s>; rel="hub"`, hubURL))
	}
	if !hasRel(header, "self") {
		links = append(links, fmt.Sprintf(`<%s>; rel="self"`, selfURL))
	}
	return strings.Join(links, ", ")
}

// hasRel reports whether any link in header carries rel among its
// space separated relation types.
func hasRel(header, rel string) bool {
	for _, m := range relParam.FindAllStringSubmatch(header, -1) {
		value := m[1]
		if value == "" {
			value = m[2]
		}
		for _, r := range strings.Fields(value) {
			if strings.EqualFold(r, rel) {
				return true
			}
		}
	}
	return false
}

// Sign computes the X-Hub-Signature value of body.
//
// https://www.w3.org/TR/websub/#signing-content
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const challengeBytes = 20

// NewChallenge returns an unguessable token for intent verification.
func NewChallenge() (string, error) {
	b := make([]byte, challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}
