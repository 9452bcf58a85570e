// Command synthesize streams text to the synthesis service and writes the
// audio to a file, printing timing events as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/loqalabs/synthstream/internal/auth"
	"github.com/loqalabs/synthstream/internal/config"
	"github.com/loqalabs/synthstream/internal/protocol"
	"github.com/loqalabs/synthstream/internal/synth"
	"github.com/loqalabs/synthstream/internal/wav"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "synthesize:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	text       string
	file       string
	voice      string
	accept     string
	timings    string
	custom     string
	token      string
	endpoint   string
	out        string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("synthesize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Optional configuration file; SYNTH_* variables apply either way")
	fs.StringVar(&opts.text, "text", "", "Text to synthesize")
	fs.StringVar(&opts.file, "file", "", "Read the text from this file (- for stdin)")
	fs.StringVar(&opts.voice, "voice", "", "Voice name")
	fs.StringVar(&opts.accept, "accept", "", "Audio format, e.g. audio/wav")
	fs.StringVar(&opts.timings, "timings", "", "Comma separated timing categories: words,marks")
	fs.StringVar(&opts.custom, "customization", "", "Custom voice model id")
	fs.StringVar(&opts.token, "token", "", "Bearer token, overrides the configured credential")
	fs.StringVar(&opts.endpoint, "endpoint", "", "Synthesis endpoint URL")
	fs.StringVar(&opts.out, "out", "out.wav", "Output audio file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if (opts.text == "") == (opts.file == "") {
		return opts, errors.New("exactly one of -text or -file is required")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Telemetry.SlogLevel()}))

	text, err := readText(opts)
	if err != nil {
		return err
	}

	settings := synth.SettingsFromConfig(cfg.Synthesis)
	if opts.endpoint != "" {
		settings.Endpoint = opts.endpoint
	}
	if opts.voice != "" {
		settings.Params.Voice = opts.voice
	}
	if opts.accept != "" {
		settings.Params.Accept = opts.accept
	}
	if opts.custom != "" {
		settings.Params.CustomizationID = opts.custom
	}
	if opts.timings != "" {
		settings.Params.Timings = strings.Split(opts.timings, ",")
	}
	sessionArgs, err := synth.BuildArgs(settings.Params, settings.Policy)
	if err != nil {
		return err
	}

	tokens, err := tokenSource(cfg.Auth, opts.token, logger)
	if err != nil {
		return err
	}

	raw, err := parseRawPCM(settings.Params.Accept)
	if err != nil {
		return err
	}

	out := wav.NewAccumulator(0)
	enc := json.NewEncoder(stdout)
	var flushErr error
	callbacks := synth.Callbacks{
		OnAudioChunk: func(audio []byte) {
			if flushErr != nil {
				return
			}
			if flushErr = out.Append(audio); flushErr == nil && raw == nil {
				flushErr = out.Flush(opts.out)
			}
		},
		OnContentType: func(ct string) {
			logger.Info("content type", slog.String("content_type", ct))
		},
		OnMarks: func(marks []protocol.Mark) {
			for _, m := range marks {
				_ = enc.Encode(map[string]any{"mark": m.Label, "time": m.Time})
			}
		},
		OnWordTimings: func(words []protocol.WordTiming) {
			for _, w := range words {
				_ = enc.Encode(map[string]any{"word": w.Word, "start": w.Start, "end": w.End})
			}
		},
		OnError: func(err error) {
			logger.Debug("session failed", slog.String("error", err.Error()))
		},
	}

	sessionOpts := append(append([]synth.Option{}, settings.Options...), synth.WithCallbacks(callbacks), synth.WithLogger(logger))
	if tokens != nil {
		sessionOpts = append(sessionOpts, synth.WithTokenSource(tokens, settings.AuthInQuery))
	}
	session, err := synth.Dial(ctx, settings.Endpoint, sessionArgs, sessionOpts...)
	if err != nil {
		return err
	}
	if err := session.Synthesize(ctx, text); err != nil {
		return err
	}
	if flushErr == nil && raw != nil {
		flushErr = writeRawPCM(opts.out, out.Bytes(), *raw)
	}
	if flushErr != nil {
		return fmt.Errorf("write %s: %w", opts.out, flushErr)
	}
	logger.Info("synthesis complete", slog.String("out", opts.out), slog.Int("bytes", out.Len()))
	return nil
}

// rawPCM describes headerless audio/l16 output.
type rawPCM struct {
	rate      int
	bigEndian bool
}

// parseRawPCM returns nil unless accept names audio/l16, whose samples arrive
// without a container and are wrapped in a WAV file once the session ends.
func parseRawPCM(accept string) (*rawPCM, error) {
	if accept == "" {
		return nil, nil
	}
	mediaType, params, err := mime.ParseMediaType(accept)
	if err != nil {
		return nil, fmt.Errorf("parse accept %q: %w", accept, err)
	}
	if mediaType != "audio/l16" {
		return nil, nil
	}
	pcm := &rawPCM{rate: defaultPCMRate}
	if rate, ok := params["rate"]; ok {
		if pcm.rate, err = strconv.Atoi(rate); err != nil || pcm.rate <= 0 {
			return nil, fmt.Errorf("invalid audio/l16 rate %q", rate)
		}
	}
	pcm.bigEndian = params["endianness"] == "big-endian"
	return pcm, nil
}

const defaultPCMRate = 22050

func writeRawPCM(path string, samples []byte, pcm rawPCM) error {
	if pcm.bigEndian {
		samples = append([]byte(nil), samples...)
		for i := 0; i+1 < len(samples); i += 2 {
			samples[i], samples[i+1] = samples[i+1], samples[i]
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := wav.EncodePCM(f, samples[:len(samples)&^1], pcm.rate, 1); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readText(opts options) (string, error) {
	if opts.text != "" {
		return opts.text, nil
	}
	var (
		data []byte
		err  error
	)
	if opts.file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(opts.file)
	}
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(data), nil
}

// tokenSource prefers an explicit token; with neither a token nor an API key
// configured for IAM the handshake goes out unauthenticated.
func tokenSource(cfg config.AuthConfig, token string, logger *slog.Logger) (auth.TokenSource, error) {
	if token != "" {
		return auth.Static(token), nil
	}
	if (cfg.Mode == "" || cfg.Mode == "iam") && cfg.APIKey == "" {
		return nil, nil
	}
	return auth.FromConfig(cfg, nil, logger)
}
