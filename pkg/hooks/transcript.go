package hooks

import (
	"os"
	"strings"
)

// RateLimitPatterns are the transcript markers that indicate the agent ran
// out of capacity. Matching is case-insensitive.
var RateLimitPatterns = []string{
	"usage limit reached",
	"rate_limit_error",
	"rate limit exceeded",
	"too many requests",
}

// DetectRateLimit scans a transcript file for rate-limit markers. A missing
// or unreadable transcript yields false: absence of evidence is treated as a
// normal completion.
func DetectRateLimit(transcriptPath string) bool {
	if transcriptPath == "" {
		return false
	}
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return false
	}
	content := strings.ToLower(string(data))
	for _, pattern := range RateLimitPatterns {
		if strings.Contains(content, pattern) {
			return true
		}
	}
	return false
}
