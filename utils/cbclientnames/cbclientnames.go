package cbclientnames

import (
	"encoding/json"
	"strings"
)

// maxAgentLen keeps the HELLO key well under the 250 byte key limit once
// the connection id is added.
const maxAgentLen = 200

// FromUserAgent returns the product token of a user agent string.
func FromUserAgent(userAgent string) string {
	clientName, _, _ := strings.Cut(userAgent, " ")
	if len(clientName) > maxAgentLen {
		clientName = clientName[:maxAgentLen]
	}
	return clientName
}

// HelloKey builds the key of a HELLO request, which servers log to identify
// the connection: {"a":"<agent>","i":"<connection id>"}.
func HelloKey(userAgent, connID string) string {
	keyBytes, err := json.Marshal(struct {
		Agent string `json:"a"`
		ID    string `json:"i"`
	}{
		Agent: FromUserAgent(userAgent),
		ID:    connID,
	})
	if err != nil {
		return FromUserAgent(userAgent)
	}
	return string(keyBytes)
}
