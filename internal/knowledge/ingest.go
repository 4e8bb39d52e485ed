package knowledge

import (
	"errors"
	"net/url"
	"strings"

	"github.com/elysium-atlas/atlas/internal/domain"
)

var (
	// ErrInvalidLink is returned for links that are not absolute http(s) URLs.
	ErrInvalidLink = errors.New("invalid knowledge base link")
	// ErrEmptyText is returned for text blocks that are blank after trimming.
	ErrEmptyText = errors.New("knowledge base text is empty")
	// ErrIncompleteQnA is returned when a question or answer is blank.
	ErrIncompleteQnA = errors.New("question and answer are both required")
)

// NormalizeLinks trims and validates raw links and appends the new ones to
// existing, preserving order and skipping duplicates. The first invalid link
// aborts the whole batch.
func NormalizeLinks(existing []string, raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(existing)+len(raw))
	out := make([]string, 0, len(existing)+len(raw))
	for _, l := range existing {
		seen[l] = struct{}{}
		out = append(out, l)
	}

	for _, r := range raw {
		link, err := NormalizeLink(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out, nil
}

// NormalizeLink validates a single link.
func NormalizeLink(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidLink
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", ErrInvalidLink
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrInvalidLink
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

// NormalizeText trims a free-text block.
func NormalizeText(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmptyText
	}
	return s, nil
}

// NormalizeQnA trims both halves of a Q&A pair.
func NormalizeQnA(question, answer string) (domain.QnAPair, error) {
	q := strings.TrimSpace(question)
	a := strings.TrimSpace(answer)
	if q == "" || a == "" {
		return domain.QnAPair{}, ErrIncompleteQnA
	}
	return domain.QnAPair{Question: q, Answer: a}, nil
}
