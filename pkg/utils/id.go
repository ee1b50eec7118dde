package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GeneratePeerID generates the opaque peer id handed out by the signaling
// server on connect.
func GeneratePeerID() string {
	return uuid.NewString()
}

// GenerateMessageID generates a unique chat message id
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
