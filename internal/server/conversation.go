package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/pkg/tts"
)

// maxAudioUpload bounds inbound utterance audio (raw PCM, ~10 min at
// 16 kHz 16-bit mono).
const maxAudioUpload = 20 << 20

// conversationRequest is the JSON body for the text-input façade routes.
type conversationRequest struct {
	Message      string  `json:"message"`
	SessionID    string  `json:"session_id,omitempty"`
	UserID       string  `json:"user_id,omitempty"`
	ModelVariant string  `json:"model_variant,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	Pitch        float64 `json:"pitch,omitempty"`
}

func (cr conversationRequest) voice() tts.Voice {
	return tts.Voice{Name: cr.Voice, Speed: cr.Speed, Volume: cr.Volume, Pitch: cr.Pitch}
}

// conversationResponse is the JSON result of a text-output façade turn.
type conversationResponse struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	Intent     string `json:"intent,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

func toConversationResponse(res *conversation.Result) conversationResponse {
	return conversationResponse{
		SessionID:  res.SessionID,
		Text:       res.Text,
		Intent:     res.Intent,
		Transcript: res.Transcript,
		Cancelled:  res.Cancelled,
	}
}

// handleConversationMessage is the text-in/text-out turn.
func (s *Server) handleConversationMessage(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	model, err := s.resolveModel(req.ModelVariant)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.facade.ProcessTurn(r.Context(), conversation.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Model:     model,
		Input:     conversation.Input{Mode: conversation.InputText, Text: req.Message},
		Output:    conversation.Output{Mode: conversation.OutputText},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(res))
}

// handleConversationMessageStream is text-in/audio-out: the response body
// streams encoded audio; text and session id travel in headers.
func (s *Server) handleConversationMessageStream(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	model, err := s.resolveModel(req.ModelVariant)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.facade.ProcessTurn(r.Context(), conversation.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Model:     model,
		Input:     conversation.Input{Mode: conversation.InputText, Text: req.Message},
		Output:    conversation.Output{Mode: conversation.OutputAudio, Voice: req.voice()},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.streamAudio(w, res)
}

// handleConversationAudio is audio-in/text-out. The body is raw PCM
// (16 kHz, 16-bit, mono); turn parameters arrive as query parameters.
func (s *Server) handleConversationAudio(w http.ResponseWriter, r *http.Request) {
	req, audio, err := s.readAudioRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	model, err := s.resolveModel(req.ModelVariant)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.facade.ProcessTurn(r.Context(), conversation.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Model:     model,
		Input:     conversation.Input{Mode: conversation.InputAudio, Audio: audio},
		Output:    conversation.Output{Mode: conversation.OutputText},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(res))
}

// handleConversationAudioStream is audio-in/audio-out.
func (s *Server) handleConversationAudioStream(w http.ResponseWriter, r *http.Request) {
	req, audio, err := s.readAudioRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	model, err := s.resolveModel(req.ModelVariant)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.facade.ProcessTurn(r.Context(), conversation.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Model:     model,
		Input:     conversation.Input{Mode: conversation.InputAudio, Audio: audio},
		Output:    conversation.Output{Mode: conversation.OutputAudio, Voice: req.voice()},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.streamAudio(w, res)
}

// readAudioRequest extracts the turn parameters from query parameters and
// the raw audio from the body.
func (s *Server) readAudioRequest(r *http.Request) (conversationRequest, []byte, error) {
	q := r.URL.Query()
	req := conversationRequest{
		SessionID:    q.Get("session_id"),
		UserID:       q.Get("user_id"),
		ModelVariant: q.Get("model_variant"),
		Voice:        q.Get("voice"),
	}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"speed", &req.Speed},
		{"volume", &req.Volume},
		{"pitch", &req.Pitch},
	} {
		if v := q.Get(f.key); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, nil, badRequest(f.key + " must be a number")
			}
			*f.dst = parsed
		}
	}

	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioUpload+1))
	if err != nil {
		return req, nil, err
	}
	if len(audio) == 0 {
		return req, nil, badRequest("audio body is empty")
	}
	if len(audio) > maxAudioUpload {
		return req, nil, badRequest("audio body exceeds the upload limit")
	}
	return req, audio, nil
}

// streamAudio writes the synthesized audio chunks to the response as they
// arrive, carrying the text result in headers.
func (s *Server) streamAudio(w http.ResponseWriter, res *conversation.Result) {
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Session-ID", res.SessionID)
	w.WriteHeader(http.StatusOK)

	for chunk := range res.Audio {
		if _, err := w.Write(chunk); err != nil {
			// Client went away; the façade's wrapper stops on ctx cancel.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
