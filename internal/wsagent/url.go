package wsagent

import (
	"net/url"
	"strings"
)

// buildURL returns {base}/ws/chats/{chatID}, with the credential as the
// token query parameter when present.
func buildURL(base, chatID, token string) string {
	u := strings.TrimSuffix(base, "/") + "/ws/chats/" + url.PathEscape(chatID)
	if token == "" {
		return u
	}
	q := url.Values{}
	q.Set("token", token)
	return u + "?" + q.Encode()
}
