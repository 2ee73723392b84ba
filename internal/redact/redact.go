// Package redact strips API-key-shaped substrings out of upstream error
// messages before they are re-thrown to callers, so that a leaked
// credential never reaches a client or a log line (spec.md §6).
package redact

import "regexp"

// keyPatterns covers the vendor key shapes named in spec.md §6.
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{10,}`),               // Anthropic
	regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{10,}`),              // OpenAI project keys
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                     // OpenAI legacy keys
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`),                  // Google
	regexp.MustCompile(`gsk_[A-Za-z0-9]{20,}`),                    // Groq
	regexp.MustCompile(`r8_[A-Za-z0-9]{20,}`),                     // Replicate
	regexp.MustCompile(`hf_[A-Za-z0-9]{20,}`),                     // HuggingFace
	regexp.MustCompile(`pplx-[A-Za-z0-9]{20,}`),                   // Perplexity
	regexp.MustCompile(`xai-[A-Za-z0-9]{20,}`),                    // xAI
	regexp.MustCompile(`sk-or-v1-[A-Za-z0-9]{20,}`),               // OpenRouter
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                        // AWS access key id
	regexp.MustCompile(`(?i)aws_secret_access_key[=:]\s*\S+`),     // AWS secret
	regexp.MustCompile(`[A-Za-z0-9]{32,}-[0-9a-f]{2}`),            // ElevenLabs-shaped
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),        // generic Bearer token
	regexp.MustCompile(`cpk_[A-Za-z0-9]{20,}`),                    // Chutes
	regexp.MustCompile(`(?i)api[_-]?key["'=:\s]+[A-Za-z0-9_-]{16,}`), // generic "api_key=..." / mistral-style
}

const mask = "[REDACTED]"

// Sanitize replaces every API-key-shaped substring in msg with a mask.
func Sanitize(msg string) string {
	for _, re := range keyPatterns {
		msg = re.ReplaceAllString(msg, mask)
	}
	return msg
}
