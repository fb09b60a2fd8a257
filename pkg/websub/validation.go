package websub

import (
	"net/url"
)

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(field, raw string) ValidationErrors {
	var errs ValidationErrors
	if raw == "" {
		return errs.Add(field, CodeRequired, "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errs.Add(field, CodeInvalidURL, "must be an absolute http(s) URL")
	}
	return nil
}

func validateSecret(secret string) ValidationErrors {
	if len(secret) > MaxSecretLength {
		return ValidationErrors{}.Add("secret", CodeTooLong, "must be at most 200 bytes")
	}
	return nil
}
