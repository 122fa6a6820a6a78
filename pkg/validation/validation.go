package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EntityIDRegex validates input and output IDs
	EntityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// SessionRegex validates mixer session names
	SessionRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MediaSchemes lists the URL schemes accepted for inputs and outputs
var MediaSchemes = map[string]bool{
	"rtmp":    true,
	"rtmps":   true,
	"file":    true,
	"testsrc": true,
}

// ValidateEntityID validates an input or output ID
func ValidateEntityID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID is required", kind)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s ID is too long (max 100 characters)", kind)
	}
	if !EntityIDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s ID format", kind)
	}
	return nil
}

// ValidateSession validates a session name
func ValidateSession(session string) error {
	if session == "" {
		return fmt.Errorf("session is required")
	}
	if len(session) > 64 {
		return fmt.Errorf("session is too long (max 64 characters)")
	}
	if !SessionRegex.MatchString(session) {
		return fmt.Errorf("invalid session format")
	}
	return nil
}

// ValidateMediaURL validates an input or output URL
func ValidateMediaURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !MediaSchemes[scheme] {
		return fmt.Errorf("invalid URL scheme %q (must be rtmp, rtmps, file, or testsrc)", u.Scheme)
	}
	switch scheme {
	case "rtmp", "rtmps":
		if u.Host == "" {
			return fmt.Errorf("URL must have a host")
		}
		if strings.Trim(u.Path, "/") == "" {
			return fmt.Errorf("RTMP URL must name an application")
		}
	case "file":
		if u.Path == "" && u.Host == "" {
			return fmt.Errorf("file URL must have a path")
		}
	}
	return nil
}

// ValidateURL validates an HTTP or websocket URL
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates bitrate value in kbps
func ValidateBitrate(bitrate int) error {
	if bitrate < 16 {
		return fmt.Errorf("bitrate must be at least 16 kbps")
	}
	if bitrate > 50000 {
		return fmt.Errorf("bitrate is too high (max 50000 kbps)")
	}
	return nil
}

// ValidateCanvasSize validates the composed picture size
func ValidateCanvasSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("canvas size must be positive, got %dx%d", width, height)
	}
	if width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("canvas size must be even for 4:2:0 chroma, got %dx%d", width, height)
	}
	if width > 7680 || height > 4320 {
		return fmt.Errorf("canvas size is too large (max 7680x4320)")
	}
	return nil
}

// ValidateColor validates a 0xRRGGBB color
func ValidateColor(rgb int) error {
	if rgb < 0 || rgb > 0xFFFFFF {
		return fmt.Errorf("color must be within 0x000000..0xFFFFFF")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
