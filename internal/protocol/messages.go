// Package protocol defines the control-wire message types exchanged over the
// daemon socket, the newline-delimited JSON codec, and the SPKR binary frame
// codec used for sample streaming.
package protocol

import "encoding/json"

// Method names accepted by the daemon.
const (
	MethodGenerate     = "generate"
	MethodStreamBinary = "stream-binary"
	MethodHealth       = "health"
	MethodListModels   = "list-models"
	MethodShutdown     = "shutdown"
)

// Error codes carried in ErrorInfo.Code.
const (
	CodeParseError       = -32700
	CodeUnknownMethod    = -1
	CodeNoText           = 1
	CodeGenerationFailed = 2
	CodeNoAudio          = 3
)

// Status phases reported while a model load is in flight.
const (
	PhaseLoadingModel = "loading_model"
	PhaseModelLoaded  = "model_loaded"
)

// Request is one parsed client message. The ID is kept raw and echoed
// verbatim in every message that answers the request.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params GenerateParams  `json:"params"`
}

// GenerateParams is the closed parameter schema shared by the generation
// methods. Optional numerics are pointers so the configured defaults apply
// only when the client omitted the field. Non-generation methods ignore it.
type GenerateParams struct {
	Text        string   `json:"text"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
	Voice       string   `json:"voice,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// Response is the terminal answer to one request. Exactly one of Result and
// Error is set. A parse failure produces a Response with no ID because none
// could be read.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the structured error payload inside a Response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OK builds a success Response echoing the request ID.
func OK(id json.RawMessage, result any) Response {
	return Response{ID: id, Result: result}
}

// Err builds an error Response echoing the request ID.
func Err(id json.RawMessage, code int, message string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: message}}
}

// ProgressEvent is emitted before each text unit is synthesized.
type ProgressEvent struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Progress Progress        `json:"progress"`
}

// Progress describes how far a generation session has advanced. Chunk is
// 1-based and names the unit about to be synthesized.
type Progress struct {
	Chunk       int `json:"chunk"`
	TotalChunks int `json:"total_chunks"`
	CharsDone   int `json:"chars_done"`
	CharsTotal  int `json:"chars_total"`
}

// StatusEvent reports a model lifecycle phase to the client mid-request.
type StatusEvent struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Status Status          `json:"status"`
}

// Status is the payload of a StatusEvent. Model is set for loading_model,
// LoadTimeMS for model_loaded. LoadTimeMS is a pointer so an instant load
// still serializes as load_time_ms: 0 instead of dropping the field.
type Status struct {
	Phase      string `json:"phase"`
	Model      string `json:"model,omitempty"`
	LoadTimeMS *int64 `json:"load_time_ms,omitempty"`
}

// StreamChunk announces one persisted audio unit during JSON streaming.
// Chunk is 1-based; the file at AudioPath is the deliverable and is not
// removed by the daemon.
type StreamChunk struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Chunk      int             `json:"chunk"`
	AudioPath  string          `json:"audio_path"`
	Duration   float64         `json:"duration"`
	SampleRate int             `json:"sample_rate"`
}

// StreamFinal closes a JSON streaming session.
type StreamFinal struct {
	ID            json.RawMessage `json:"id,omitempty"`
	Complete      bool            `json:"complete"`
	TotalChunks   int             `json:"total_chunks"`
	TotalDuration float64         `json:"total_duration"`
	RTF           float64         `json:"rtf"`
}

// GenerateResult is the terminal result of a collecting generation. Complete
// is false when a mid-session failure forced a partial concatenation, in
// which case Reason carries the cause.
type GenerateResult struct {
	AudioPath       string  `json:"audio_path"`
	Duration        float64 `json:"duration"`
	RTF             float64 `json:"rtf"`
	SampleRate      int     `json:"sample_rate"`
	Complete        bool    `json:"complete"`
	ChunksGenerated int     `json:"chunks_generated"`
	ChunksTotal     int     `json:"chunks_total"`
	Reason          string  `json:"reason,omitempty"`
}

// HealthResult answers the health method. ModelLoaded is nil until the first
// model load succeeds.
type HealthResult struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Engine      string  `json:"engine"`
	ModelLoaded *string `json:"model_loaded"`
}

// ModelInfo is one catalog entry in a list-models result.
type ModelInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListModelsResult answers the list-models method.
type ListModelsResult struct {
	Models []ModelInfo `json:"models"`
}

// ShutdownResult confirms a shutdown request before the daemon exits.
type ShutdownResult struct {
	Status string `json:"status"`
}
