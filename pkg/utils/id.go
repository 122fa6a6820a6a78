package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
