package orchestrator

import (
	"strings"

	"github.com/ferro-labs/creditgw/adapter"
)

// audioExtensions is the capability-specific field validation set named in
// spec.md §4.8 Step 1.
var audioExtensions = map[string]struct{}{
	"mp3": {}, "mp4": {}, "mpeg": {}, "mpga": {}, "m4a": {}, "wav": {}, "webm": {}, "flac": {},
}

const (
	maxImagePromptChars = 4000
	maxAudioFileBytes   = 25 * 1024 * 1024
	maxEmbeddingInputs  = 2048
	maxModerationChars  = 32768
)

func validateChatRequest(req adapter.ChatRequest) *GatewayError {
	if len(req.Messages) == 0 {
		return errContentPolicy("messages must not be empty")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return errContentPolicy("temperature must be between 0 and 2")
	}
	return nil
}

func validateImagePrompt(prompt string) *GatewayError {
	if strings.TrimSpace(prompt) == "" {
		return errContentPolicy("image prompt must not be empty")
	}
	if len(prompt) > maxImagePromptChars {
		return errContentPolicy("image prompt exceeds 4000 characters")
	}
	return nil
}

func validateAudioFile(fileName string, fileData []byte) *GatewayError {
	if len(fileData) > maxAudioFileBytes {
		return errContentPolicy("audio file exceeds 25MB")
	}
	ext := ""
	if idx := strings.LastIndex(fileName, "."); idx >= 0 {
		ext = strings.ToLower(fileName[idx+1:])
	}
	if _, ok := audioExtensions[ext]; !ok {
		return errContentPolicy("unsupported audio file extension")
	}
	return nil
}

func validateEmbeddingInputs(inputs []string) *GatewayError {
	if len(inputs) == 0 {
		return errContentPolicy("embedding input must not be empty")
	}
	if len(inputs) > maxEmbeddingInputs {
		return errContentPolicy("embedding input exceeds 2048 items")
	}
	return nil
}

func validateModerationInput(input string) *GatewayError {
	if len(input) > maxModerationChars {
		return errContentPolicy("moderation input exceeds 32768 characters")
	}
	return nil
}
