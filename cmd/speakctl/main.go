// speakctl is a thin client for a running speakd daemon: send one request
// over the control socket, print what comes back.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spokelabs/speakd/internal/config"
	"github.com/spokelabs/speakd/internal/protocol"
)

var version = "0.1.0-dev"

const requestID = `"speakctl"`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'speak', 'health', 'models', 'stop' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "speak":
		err = runSpeak(os.Args[2:])
	case "health":
		err = runHealth(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serverMessage is the union of everything the daemon writes on one line.
// Stream chunk and completion events arrive at the top level, not under
// result.
type serverMessage struct {
	ID       json.RawMessage     `json:"id"`
	Result   json.RawMessage     `json:"result"`
	Error    *protocol.ErrorInfo `json:"error"`
	Status   *protocol.Status    `json:"status"`
	Progress *protocol.Progress  `json:"progress"`

	Chunk         int     `json:"chunk"`
	AudioPath     string  `json:"audio_path"`
	Duration      float64 `json:"duration"`
	SampleRate    int     `json:"sample_rate"`
	Complete      bool    `json:"complete"`
	TotalChunks   int     `json:"total_chunks"`
	TotalDuration float64 `json:"total_duration"`
	RTF           float64 `json:"rtf"`
}

func runSpeak(args []string) error {
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	socket := fs.String("socket", defaultSocket(), "Daemon socket path")
	model := fs.String("model", "", "Model to generate with")
	voice := fs.String("voice", "", "Voice reference audio file")
	temperature := fs.Float64("temperature", -1, "Sampling temperature")
	speed := fs.Float64("speed", 0, "Playback speed")
	stream := fs.Bool("stream", false, "Print each chunk file as it finishes")
	_ = fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("no text given: speakctl speak [flags] <text>")
	}

	params := protocol.GenerateParams{
		Text:   text,
		Model:  *model,
		Voice:  *voice,
		Stream: *stream,
	}
	if *temperature >= 0 {
		params.Temperature = temperature
	}
	if *speed > 0 {
		params.Speed = speed
	}

	conn, reader, writer, err := dial(*socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writer.Write(protocol.Request{
		ID:     json.RawMessage(requestID),
		Method: protocol.MethodGenerate,
		Params: params,
	}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		msg, err := readMessage(reader)
		if err != nil {
			return err
		}
		switch {
		case msg.Error != nil:
			return fmt.Errorf("daemon error %d: %s", msg.Error.Code, msg.Error.Message)
		case msg.Status != nil:
			printStatus(msg.Status)
		case msg.Progress != nil:
			fmt.Fprintf(os.Stderr, "generating chunk %d/%d\n", msg.Progress.Chunk, msg.Progress.TotalChunks)
		case msg.Result != nil:
			var res protocol.GenerateResult
			if err := json.Unmarshal(msg.Result, &res); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			if !res.Complete {
				fmt.Fprintf(os.Stderr, "partial output (%d/%d chunks): %s\n", res.ChunksGenerated, res.ChunksTotal, res.Reason)
			}
			fmt.Println(res.AudioPath)
			return nil
		case msg.Chunk > 0:
			fmt.Println(msg.AudioPath)
		case msg.Complete:
			fmt.Fprintf(os.Stderr, "done: %d chunks, %.2fs audio\n", msg.TotalChunks, msg.TotalDuration)
			return nil
		}
	}
}

func runHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	socket := fs.String("socket", defaultSocket(), "Daemon socket path")
	_ = fs.Parse(args)

	var res protocol.HealthResult
	if err := call(*socket, protocol.MethodHealth, &res); err != nil {
		return err
	}
	model := "<none>"
	if res.ModelLoaded != nil {
		model = *res.ModelLoaded
	}
	fmt.Printf("status:  %s\nversion: %s\nengine:  %s\nmodel:   %s\n", res.Status, res.Version, res.Engine, model)
	return nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	socket := fs.String("socket", defaultSocket(), "Daemon socket path")
	_ = fs.Parse(args)

	var res protocol.ListModelsResult
	if err := call(*socket, protocol.MethodListModels, &res); err != nil {
		return err
	}
	for _, m := range res.Models {
		fmt.Printf("%s\t%s\n", m.Name, m.Description)
	}
	return nil
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	socket := fs.String("socket", defaultSocket(), "Daemon socket path")
	_ = fs.Parse(args)

	var res protocol.ShutdownResult
	if err := call(*socket, protocol.MethodShutdown, &res); err != nil {
		return err
	}
	fmt.Println(res.Status)
	return nil
}

// call sends one no-parameter request and decodes its result.
func call(socket, method string, result any) error {
	conn, reader, writer, err := dial(socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writer.Write(protocol.Request{ID: json.RawMessage(requestID), Method: method}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	msg, err := readMessage(reader)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return fmt.Errorf("daemon error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	if msg.Result == nil {
		return errors.New("daemon sent no result")
	}
	return json.Unmarshal(msg.Result, result)
}

func dial(socket string) (net.Conn, *protocol.LineReader, *protocol.LineWriter, error) {
	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("is speakd running? dial %s: %w", socket, err)
	}
	return conn, protocol.NewLineReader(conn), protocol.NewLineWriter(conn), nil
}

func readMessage(r *protocol.LineReader) (serverMessage, error) {
	line, err := r.Next()
	if err != nil {
		return serverMessage{}, fmt.Errorf("daemon hung up: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return serverMessage{}, fmt.Errorf("bad line from daemon: %w", err)
	}
	return msg, nil
}

func printStatus(st *protocol.Status) {
	switch st.Phase {
	case protocol.PhaseLoadingModel:
		fmt.Fprintf(os.Stderr, "loading model %s\n", st.Model)
	case protocol.PhaseModelLoaded:
		var ms int64
		if st.LoadTimeMS != nil {
			ms = *st.LoadTimeMS
		}
		fmt.Fprintf(os.Stderr, "model loaded in %dms\n", ms)
	}
}

func defaultSocket() string {
	if env := os.Getenv("SPEAKD_SOCKET_PATH"); env != "" {
		return env
	}
	path, err := config.SocketConfig{}.ResolvePath()
	if err != nil {
		return "speak.sock"
	}
	return path
}
