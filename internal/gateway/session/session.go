// Package session derives a stable identity for a conversation so that the
// history manager and summary cache can key their state per-conversation,
// using a client-supplied conversation id when present and a fingerprint of
// the client and the conversation's opening messages otherwise.
package session

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"kirogateway/internal/gateway/message"
)

const (
	maxFingerprintMessages = 5
	maxFingerprintCharsEach = 200
)

// Derive assigns a session id by the first-matching rule:
//  1. an explicit conversation id (header or body field) -> md5-derived,
//     prefixed "conv_"
//  2. a SHA-256 fingerprint of the client id and a prefix of the
//     conversation's early messages
//  3. a random UUID, which shares no cache state with any other request
func Derive(r *http.Request, req message.Request) string {
	if req.ConversationID != "" {
		return "conv_" + md5Hex(req.ConversationID)[:16]
	}
	if hdr := r.Header.Get("X-Conversation-ID"); hdr != "" {
		return "conv_" + md5Hex(hdr)[:16]
	}

	clientID := clientIdentifier(r)
	if clientID != "" {
		fp := fingerprint(clientID, req.Messages)
		return sha256Hex(fp)[:20]
	}

	return uuid.NewString()
}

// clientIdentifier picks the first available client identity signal.
func clientIdentifier(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return ""
}

// fingerprint builds the "client:<id> | <messages...>" string whose hash
// identifies a conversation without relying on explicit session tokens.
func fingerprint(clientID string, msgs []message.Message) string {
	var b strings.Builder
	b.WriteString("client:")
	b.WriteString(clientID)
	b.WriteString(" | ")
	n := len(msgs)
	if n > maxFingerprintMessages {
		n = maxFingerprintMessages
	}
	for i := 0; i < n; i++ {
		text := msgs[i].PlainText()
		if len(text) > maxFingerprintCharsEach {
			text = text[:maxFingerprintCharsEach]
		}
		b.WriteString(text)
		b.WriteString("|")
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
