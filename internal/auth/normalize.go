package auth

import "accountpolld/internal/accounts"

// OAuth mechanism names as reported by the account descriptor.
var (
	oauth1Mechanisms = map[string]bool{"HMAC-SHA1": true, "PLAINTEXT": true, "RSA-SHA1": true}
	oauth2Mechanisms = map[string]bool{"web_server": true, "user_agent": true}
)

// Normalize copies reply and adds the static client credentials that token
// replies lack but plugins need to sign requests: ConsumerKey and
// ConsumerSecret for OAuth 1, ClientId and ClientSecret for OAuth 2.
func Normalize(desc accounts.AuthDescriptor, reply map[string]any) map[string]any {
	out := make(map[string]any, len(reply)+2)
	for k, v := range reply {
		out[k] = v
	}

	var keys []string
	switch {
	case oauth1Mechanisms[desc.Mechanism]:
		keys = []string{"ConsumerKey", "ConsumerSecret"}
	case oauth2Mechanisms[desc.Mechanism]:
		keys = []string{"ClientId", "ClientSecret"}
	}
	for _, k := range keys {
		if v, ok := desc.Parameters[k]; ok {
			out[k] = v
		}
	}
	return out
}
