package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	creditgw "github.com/ferro-labs/creditgw"
	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/orchestrator"
	"github.com/ferro-labs/creditgw/user"
)

// mountAPIRoutes wires the OpenAI-compatible capability endpoints named
// in spec.md §4.1 to the corresponding orchestrator.Pipeline method.
func mountAPIRoutes(r chi.Router, gw *creditgw.Gateway) {
	r.Post("/v1/chat/completions", chatHandler(gw))
	r.Post("/v1/responses", responsesHandler(gw))
	r.Post("/v1/embeddings", embeddingsHandler(gw))
	r.Post("/v1/images/generations", imagesHandler(gw))
	r.Post("/v1/images/edits", imageEditsHandler(gw))
	r.Post("/v1/audio/speech", audioSpeechHandler(gw))
	r.Post("/v1/audio/transcriptions", audioTranscriptionHandler(gw))
	r.Post("/v1/moderations", moderationHandler(gw))
	r.Post("/v1/videos", createVideoHandler(gw))
	r.Post("/v1/videos/{id}/remix", remixVideoHandler(gw))
	r.Get("/v1/videos/{id}", videoStatusHandler(gw))
	r.Get("/v1/videos/{id}/content", downloadVideoHandler(gw))
	r.Get("/v1/videos", listVideosHandler(gw))
	r.Delete("/v1/videos/{id}", deleteVideoHandler(gw))
}

// authenticate resolves the caller from a bearer token, treating the
// token as an account id directly. Real token->account mapping is the
// external authentication collaborator spec.md §4.2 names out of scope;
// this stand-in is only the seam a production deployment replaces.
func authenticate(r *http.Request, gw *creditgw.Gateway) (user.AuthenticatedUser, user.ClientInfo, error) {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return user.AuthenticatedUser{}, user.ClientInfo{}, fmt.Errorf("missing bearer token")
	}
	u, err := gw.Accounts.Authenticate(r.Context(), token)
	if err != nil {
		return user.AuthenticatedUser{}, user.ClientInfo{}, err
	}
	ci := user.ClientInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Origin:    r.Header.Get("Origin"),
	}
	return u, ci, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	if ge, ok := err.(*orchestrator.GatewayError); ok {
		status = ge.HTTPStatus
		msg = ge.Reason
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "gateway_error",
		},
	})
}

func chatHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if req.Stream {
			stream, err := gw.Pipeline.ChatCompletionStream(r.Context(), req, u, ci)
			if err != nil {
				writeError(w, err)
				return
			}
			writeChatSSE(w, r, stream)
			return
		}

		resp, err := gw.Pipeline.ChatCompletion(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeChatSSE(w http.ResponseWriter, r *http.Request, stream *orchestrator.ChatStream) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	for {
		event, ok, err := stream.Next(r.Context())
		if err != nil {
			data, _ := json.Marshal(map[string]interface{}{"error": map[string]string{"message": err.Error()}})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if !ok {
			break
		}
		data, _ := json.Marshal(event)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		if event.Done {
			break
		}
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func responsesHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if req.Stream {
			stream, err := gw.Pipeline.CreateResponseStream(r.Context(), req, u, ci)
			if err != nil {
				writeError(w, err)
				return
			}
			writeChatSSE(w, r, stream)
			return
		}

		resp, err := gw.Pipeline.CreateResponse(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func embeddingsHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		resp, err := gw.Pipeline.CreateEmbeddings(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func imagesHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		resp, err := gw.Pipeline.GenerateImages(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// imageEditsHandler accepts the OpenAI-style multipart form: image file,
// prompt, model, and optional n/size fields.
func imageEditsHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "image is required"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		req := adapter.ImageRequest{
			Model:     r.FormValue("model"),
			Prompt:    r.FormValue("prompt"),
			Size:      r.FormValue("size"),
			Image:     data,
			ImageName: header.Filename,
		}
		if n, err := strconv.Atoi(r.FormValue("n")); err == nil {
			req.N = n
		}

		resp, err := gw.Pipeline.EditImages(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func audioSpeechHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.AudioSpeechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		audio, err := gw.Pipeline.TextToSpeech(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}
}

func audioTranscriptionHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is required"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		req := adapter.AudioTranscriptionRequest{
			Model:    r.FormValue("model"),
			FileName: header.Filename,
			FileData: data,
		}
		resp, err := gw.Pipeline.AudioTranscription(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createVideoHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.VideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		resp, err := gw.Pipeline.CreateVideo(r.Context(), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func remixVideoHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var req adapter.VideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		resp, err := gw.Pipeline.RemixVideo(r.Context(), chi.URLParam(r, "id"), req, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func videoStatusHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := authenticate(r, gw); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		resp, err := gw.Pipeline.GetVideoStatus(r.Context(), r.URL.Query().Get("model"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func downloadVideoHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := authenticate(r, gw); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		data, err := gw.Pipeline.DownloadVideo(r.Context(), r.URL.Query().Get("model"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(data)
	}
}

func listVideosHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := authenticate(r, gw); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		resp, err := gw.Pipeline.ListVideos(r.Context(), r.URL.Query().Get("model"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func deleteVideoHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := authenticate(r, gw); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		if err := gw.Pipeline.DeleteVideo(r.Context(), r.URL.Query().Get("model"), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func moderationHandler(gw *creditgw.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ci, err := authenticate(r, gw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		var body struct {
			Input string `json:"input"`
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		result, err := gw.Pipeline.ModerateContent(r.Context(), body.Input, body.Model, u, ci)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
