package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spokelabs/speakd/internal/bus"
	"github.com/spokelabs/speakd/internal/protocol"
	"github.com/spokelabs/speakd/internal/synth"
)

// handleConn reads newline-JSON requests until the peer hangs up. A true
// return means the client asked the whole daemon to shut down.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) (quit bool) {
	defer func() { _ = conn.Close() }()

	reader := protocol.NewLineReader(conn)
	writer := protocol.NewLineWriter(conn)

	for {
		line, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read ended", slogError(err))
			}
			return false
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			s.countError(ctx, protocol.CodeParseError)
			if werr := writer.Write(protocol.Err(nil, protocol.CodeParseError, err.Error())); werr != nil {
				return false
			}
			continue
		}
		s.countRequest(ctx, req.Method)

		switch req.Method {
		case protocol.MethodShutdown:
			_ = writer.Write(protocol.OK(req.ID, protocol.ShutdownResult{Status: "shutting_down"}))
			return true
		case protocol.MethodHealth:
			_ = writer.Write(protocol.OK(req.ID, s.healthResult()))
		case protocol.MethodListModels:
			_ = writer.Write(protocol.OK(req.ID, s.listModelsResult()))
		case protocol.MethodGenerate:
			s.handleGenerate(ctx, writer, req)
			s.touch()
		case protocol.MethodStreamBinary:
			s.handleStreamBinary(ctx, conn, req)
			s.touch()
			// The connection switched to the binary format for the rest of
			// its life; there is nothing more to read.
			return false
		default:
			s.countError(ctx, protocol.CodeUnknownMethod)
			_ = writer.Write(protocol.Err(req.ID, protocol.CodeUnknownMethod, fmt.Sprintf("Unknown method: %s", req.Method)))
		}
	}
}

func (s *Server) handleGenerate(ctx context.Context, w *protocol.LineWriter, req protocol.Request) {
	if req.Params.Text == "" {
		s.countError(ctx, protocol.CodeNoText)
		_ = w.Write(protocol.Err(req.ID, protocol.CodeNoText, "No text provided"))
		return
	}

	genReq := s.resolveRequest(req.Params)
	sessionID := synth.NewSessionID()
	status := &statusNotifier{w: w, id: req.ID, mirror: s.mirror, sessionID: sessionID}

	handle, err := s.manager.Ensure(ctx, genReq.Model, status)
	if err != nil {
		s.countError(ctx, protocol.CodeGenerationFailed)
		_ = w.Write(protocol.Err(req.ID, protocol.CodeGenerationFailed, err.Error()))
		return
	}

	session := synth.New(synth.Options{
		SessionID: sessionID,
		Config:    s.sessionConfig(),
		Request:   genReq,
		Handle:    handle,
		Recorder:  s.rec,
		Logger:    s.log,
	})
	start := time.Now()

	if req.Params.Stream {
		sink := &streamNotifier{w: w, id: req.ID}
		if err := session.RunStream(ctx, sink); err != nil {
			s.countError(ctx, protocol.CodeGenerationFailed)
			_ = w.Write(protocol.Err(req.ID, protocol.CodeGenerationFailed, err.Error()))
			return
		}
		s.observeGeneration(ctx, "generate-stream", time.Since(start))
		return
	}

	progress := &progressNotifier{w: w, id: req.ID, mirror: s.mirror, sessionID: sessionID}
	res, err := session.Run(ctx, progress)
	if err != nil {
		if errors.Is(err, synth.ErrNoAudio) {
			s.countError(ctx, protocol.CodeNoAudio)
			_ = w.Write(protocol.Err(req.ID, protocol.CodeNoAudio, "No audio generated"))
			return
		}
		s.countError(ctx, protocol.CodeGenerationFailed)
		_ = w.Write(protocol.Err(req.ID, protocol.CodeGenerationFailed, err.Error()))
		return
	}
	s.observeGeneration(ctx, "generate", time.Since(start))
	_ = w.Write(protocol.OK(req.ID, generateResult(res)))
}

// handleStreamBinary never writes JSON: once a client asks for the binary
// format every reply, including errors, is a frame.
func (s *Server) handleStreamBinary(ctx context.Context, conn net.Conn, req protocol.Request) {
	if req.Params.Text == "" {
		s.countError(ctx, protocol.CodeNoText)
		if err := protocol.WriteBinaryError(conn, "No text provided"); err != nil {
			s.log.Debug("failed to write binary error frame", slogError(err))
		}
		return
	}

	genReq := s.resolveRequest(req.Params)
	sessionID := synth.NewSessionID()
	status := &statusNotifier{mirror: s.mirror, sessionID: sessionID}

	handle, err := s.manager.Ensure(ctx, genReq.Model, status)
	if err != nil {
		s.countError(ctx, protocol.CodeGenerationFailed)
		if werr := protocol.WriteBinaryError(conn, err.Error()); werr != nil {
			s.log.Debug("failed to write binary error frame", slogError(werr))
		}
		return
	}

	session := synth.New(synth.Options{
		SessionID: sessionID,
		Config:    s.sessionConfig(),
		Request:   genReq,
		Handle:    handle,
		Recorder:  s.rec,
		Logger:    s.log,
	})
	start := time.Now()
	if err := session.RunBinary(ctx, &binaryWriter{w: conn}); err != nil {
		s.countError(ctx, protocol.CodeGenerationFailed)
		s.log.Warn("binary stream failed", slogError(err))
		return
	}
	s.observeGeneration(ctx, "stream-binary", time.Since(start))
}

// resolveRequest applies configured defaults and drops a voice path that
// does not exist on disk.
func (s *Server) resolveRequest(p protocol.GenerateParams) synth.Request {
	gen := s.cfg.Generation
	req := synth.Request{
		Text:        p.Text,
		Model:       p.Model,
		Voice:       p.Voice,
		Temperature: gen.DefaultTemperature,
		Speed:       gen.DefaultSpeed,
	}
	if req.Model == "" {
		req.Model = gen.DefaultModel
	}
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}
	if p.Speed != nil {
		req.Speed = *p.Speed
	}
	if req.Voice != "" {
		if _, err := os.Stat(req.Voice); err != nil {
			s.log.Warn("voice file not found, using default voice", slog.String("voice", req.Voice))
			req.Voice = ""
		}
	}
	return req
}

func (s *Server) sessionConfig() synth.Config {
	return synth.Config{
		MaxUnitChars: s.cfg.Generation.MaxUnitChars,
		ScratchDir:   s.cfg.Generation.ResolveScratchDir(),
		OutputDir:    s.cfg.Generation.ResolveOutputDir(),
	}
}

func (s *Server) healthResult() protocol.HealthResult {
	res := protocol.HealthResult{
		Status:  "healthy",
		Version: s.version,
		Engine:  s.cfg.Engine.Mode,
	}
	if model, ok := s.manager.Current(); ok {
		res.ModelLoaded = &model
	}
	return res
}

func (s *Server) listModelsResult() protocol.ListModelsResult {
	models := make([]protocol.ModelInfo, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		models = append(models, protocol.ModelInfo{Name: m.Name, Description: m.Description})
	}
	return protocol.ListModelsResult{Models: models}
}

func generateResult(r synth.Result) protocol.GenerateResult {
	return protocol.GenerateResult{
		AudioPath:       r.AudioPath,
		Duration:        r.Duration,
		RTF:             r.RTF,
		SampleRate:      r.SampleRate,
		Complete:        r.Complete,
		ChunksGenerated: r.UnitsDone,
		ChunksTotal:     r.UnitsTotal,
		Reason:          r.Reason,
	}
}

// statusNotifier forwards model lifecycle transitions to the client and the
// event mirror. The writer is nil in binary mode, where status never goes
// over the wire.
type statusNotifier struct {
	w         *protocol.LineWriter
	id        json.RawMessage
	mirror    *bus.Mirror
	sessionID string
}

func (n *statusNotifier) ModelLoading(model string) {
	if n.w != nil {
		_ = n.w.Write(protocol.StatusEvent{ID: n.id, Status: protocol.Status{
			Phase: protocol.PhaseLoadingModel,
			Model: model,
		}})
	}
	n.mirror.Status(bus.SessionStatus{SessionID: n.sessionID, Phase: protocol.PhaseLoadingModel, Model: model})
}

func (n *statusNotifier) ModelLoaded(model string, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if n.w != nil {
		_ = n.w.Write(protocol.StatusEvent{ID: n.id, Status: protocol.Status{
			Phase:      protocol.PhaseModelLoaded,
			LoadTimeMS: &ms,
		}})
	}
	n.mirror.Status(bus.SessionStatus{SessionID: n.sessionID, Phase: protocol.PhaseModelLoaded, LoadTimeMS: ms})
}

// progressNotifier announces each unit before synthesis. Wire delivery is
// best-effort; a stalled reader must not kill the session.
type progressNotifier struct {
	w         *protocol.LineWriter
	id        json.RawMessage
	mirror    *bus.Mirror
	sessionID string
}

func (n *progressNotifier) UnitStarting(p synth.Progress) {
	_ = n.w.Write(protocol.ProgressEvent{ID: n.id, Progress: protocol.Progress{
		Chunk:       p.Unit,
		TotalChunks: p.UnitsTotal,
		CharsDone:   p.CharsDone,
		CharsTotal:  p.CharsTotal,
	}})
	n.mirror.Progress(bus.SessionProgress{
		SessionID:  n.sessionID,
		Unit:       p.Unit,
		UnitsTotal: p.UnitsTotal,
		CharsDone:  p.CharsDone,
		CharsTotal: p.CharsTotal,
	})
}

type streamNotifier struct {
	w  *protocol.LineWriter
	id json.RawMessage
}

func (n *streamNotifier) Chunk(index int, path string, duration float64, sampleRate int) error {
	return n.w.Write(protocol.StreamChunk{
		ID:         n.id,
		Chunk:      index,
		AudioPath:  path,
		Duration:   duration,
		SampleRate: sampleRate,
	})
}

func (n *streamNotifier) Final(total int, totalDuration, rtf float64) error {
	return n.w.Write(protocol.StreamFinal{
		ID:            n.id,
		Complete:      true,
		TotalChunks:   total,
		TotalDuration: totalDuration,
		RTF:           rtf,
	})
}

type binaryWriter struct {
	w io.Writer
}

func (b *binaryWriter) Chunk(id, sampleRate int, samples []float32) error {
	return protocol.WriteBinaryChunk(b.w, uint32(id), sampleRate, samples)
}

func (b *binaryWriter) End(total int) error {
	return protocol.WriteBinaryEnd(b.w, total)
}

func (b *binaryWriter) Error(message string) error {
	return protocol.WriteBinaryError(b.w, message)
}
