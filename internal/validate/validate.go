package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/lucaslui/hems/phat/internal/model"
)

var ErrNotURL = errors.New("not a URL")

func ValidatePayload(raw []byte) (model.UpdateMessage, error) {
	var m model.UpdateMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.UpdateMessage{}, err
	}
	m.URL = strings.TrimSpace(m.URL)
	m.Hash = strings.TrimSpace(m.Hash)
	if m.URL == "" {
		return model.UpdateMessage{}, errors.New("missing field: url")
	}
	if m.Hash == "" {
		return model.UpdateMessage{}, errors.New("missing field: hash")
	}
	if _, err := ValidateURL(m.URL); err != nil {
		return model.UpdateMessage{}, err
	}
	return m, nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "http") {
		return "", fmt.Errorf("%w: %s", ErrNotURL, Truncate([]byte(s), 64))
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrNotURL, Truncate([]byte(s), 64))
	}
	return s, nil
}

// Truncate shortens b to at most n bytes without splitting a UTF-8 sequence.
func Truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + "…"
}
