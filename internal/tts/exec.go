package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine shells out to an external synthesis command once per unit. The
// command receives one JSON request on stdin and answers with JSON lines on
// stdout; each line carries base64-encoded 16-bit little-endian PCM. An
// optional load command is run with the model id appended to warm a model
// before first use.
type ExecEngine struct {
	cmd     []string
	loadCmd []string
}

type execSynthRequest struct {
	Text        string  `json:"text"`
	Model       string  `json:"model"`
	Voice       string  `json:"voice,omitempty"`
	Temperature float64 `json:"temperature"`
	Speed       float64 `json:"speed"`
}

type execSynthResponse struct {
	SampleRate int    `json:"sample_rate"`
	PCMBase64  string `json:"pcm_base64"`
	Final      bool   `json:"final"`
}

// NewExecEngine parses both command lines up front so a bad configuration
// fails at startup rather than on the first request.
func NewExecEngine(command, loadCommand string) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	engine := &ExecEngine{cmd: args}
	if loadCommand != "" {
		loadArgs, err := parser.Parse(loadCommand)
		if err != nil {
			return nil, fmt.Errorf("parse engine load command: %w", err)
		}
		engine.loadCmd = loadArgs
	}
	return engine, nil
}

// Load warms modelID via the load command when one is configured and returns
// a handle bound to the model. Without a load command the subprocess loads
// the model itself on each invocation and Load just binds the id.
func (e *ExecEngine) Load(ctx context.Context, modelID string) (Handle, error) {
	if len(e.loadCmd) > 0 {
		args := append(append([]string{}, e.loadCmd[1:]...), modelID)
		cmd := exec.CommandContext(ctx, e.loadCmd[0], args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("warm model %s: %w: %s", modelID, err, strings.TrimSpace(stderr.String()))
		}
	}
	return &execHandle{engine: e, model: modelID}, nil
}

// execHandle serializes invocations: the underlying model is effectively
// single-threaded, so one subprocess runs at a time.
type execHandle struct {
	engine *ExecEngine
	model  string
	mu     sync.Mutex
}

func (h *execHandle) Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload, err := json.Marshal(execSynthRequest{
		Text:        req.Text,
		Model:       h.model,
		Voice:       req.Voice,
		Temperature: req.Temperature,
		Speed:       req.Speed,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("encode engine request: %w", err)
	}

	base := h.engine.cmd[0]
	args := append([]string{}, h.engine.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Audio{}, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, fmt.Errorf("engine stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start engine: %w", err)
	}
	if _, err := stdin.Write(payload); err != nil {
		cmd.Wait()
		return Audio{}, fmt.Errorf("write engine request: %w", err)
	}
	stdin.Close()

	// PCM lines can run to megabytes once base64-encoded.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 64<<20)

	var pcm []byte
	sampleRate := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execSynthResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return Audio{}, fmt.Errorf("decode engine response: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return Audio{}, fmt.Errorf("decode engine pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
		if sampleRate == 0 {
			sampleRate = resp.SampleRate
		}
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("engine command: %w: %s", err, stderrTail(&stderr))
	}
	if scanErr != nil {
		return Audio{}, fmt.Errorf("read engine output: %w", scanErr)
	}

	samples, err := pcmToSamples(pcm)
	if err != nil {
		return Audio{}, err
	}
	if len(samples) > 0 && sampleRate <= 0 {
		return Audio{}, fmt.Errorf("engine reported no sample rate")
	}
	return Audio{SampleRate: sampleRate, Samples: samples}, nil
}

func (h *execHandle) Close() error { return nil }

func pcmToSamples(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return samples, nil
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	const max = 512
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
