package webhook

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/zhouzirui/session-gateway/internal/model/event"
	model "github.com/zhouzirui/session-gateway/internal/model/webhook"
)

// NormalizeEvents validates tags, removes duplicates and sorts them. An empty
// filter, or one that contains the wildcard, collapses to the wildcard.
func NormalizeEvents(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if tag == model.AllEvents {
			return []string{model.AllEvents}, nil
		}
		if !event.Known(event.Type(tag)) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	if len(out) == 0 {
		return []string{model.AllEvents}, nil
	}
	sort.Strings(out)
	return out, nil
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}
