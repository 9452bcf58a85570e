package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/synthstream/internal/auth"
	"github.com/loqalabs/synthstream/internal/bus"
	"github.com/loqalabs/synthstream/internal/config"
	"github.com/loqalabs/synthstream/internal/eventstore"
	"github.com/loqalabs/synthstream/internal/protocol"
	"github.com/loqalabs/synthstream/internal/synth"
)

// Service answers synthesis requests from the bus. Each request runs one
// streaming session; audio, timings and the final status are published back
// on the bus and the session timeline is kept in the event store.
type Service struct {
	cfg      config.TTSConfig
	settings synth.Settings
	tokens   auth.TokenSource
	bus      *bus.Client
	store    *eventstore.Store
	sub      *nats.Subscription
	slots    chan struct{}
	tracer   trace.Tracer
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.TTSConfig, settings synth.Settings, tokens auth.TokenSource, busClient *bus.Client, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Service{
		cfg:      cfg,
		settings: settings,
		tokens:   tokens,
		bus:      busClient,
		store:    store,
		slots:    make(chan struct{}, concurrency),
		tracer:   otel.Tracer("github.com/loqalabs/synthstream/tts"),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("tts service listening", slog.String("subject", protocol.SubjectTTSRequest))
	return nil
}

// Close stops accepting requests, cancels running sessions and waits for
// them to publish their final status.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping tts request after close", slog.String("session_id", req.SessionID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			s.publishDone(req, 0, s.ctx.Err())
			return
		}
		defer func() { <-s.slots }()
		s.synthesize(req)
	}()
}

func (s *Service) synthesize(req protocol.TTSRequest) {
	ctx := s.ctx
	if s.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Int("text.length", len(req.Text)),
	))
	defer span.End()

	log := s.logger.With(slog.String("session_id", req.SessionID))
	params := s.settings.Params
	if req.Voice != "" {
		params.Voice = req.Voice
	}
	if req.Accept != "" {
		params.Accept = req.Accept
	}
	if len(req.Timings) > 0 {
		params.Timings = req.Timings
	}

	if err := s.store.BeginSession(ctx, eventstore.Session{ID: req.SessionID, Target: req.Target, Voice: params.Voice, Accept: params.Accept}); err != nil {
		log.Warn("failed to record session", slogError(err))
	}
	s.record(ctx, req, eventstore.EventRequested, map[string]any{
		"voice":   params.Voice,
		"accept":  params.Accept,
		"timings": params.Timings,
		"chars":   len(req.Text),
	})

	args, err := synth.BuildArgs(params, s.settings.Policy)
	if err != nil {
		s.finish(ctx, span, req, 0, err)
		return
	}

	// Callbacks run on this goroutine through the session receive loop.
	var (
		sequence    int
		total       int64
		contentType string
	)
	publish := synth.Callbacks{
		OnContentType: func(ct string) {
			contentType = ct
		},
		OnAudioChunk: func(audio []byte) {
			chunk := protocol.AudioChunk{
				SessionID:   req.SessionID,
				Target:      req.Target,
				ContentType: contentType,
				Sequence:    sequence,
				Audio:       audio,
			}
			sequence++
			total += int64(len(audio))
			if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, chunk); err != nil {
				log.Warn("failed to publish tts chunk", slogError(err))
			}
		},
		OnMarks: func(marks []protocol.Mark) {
			s.publishTiming(req, protocol.TimingEvent{Marks: marks})
		},
		OnWordTimings: func(words []protocol.WordTiming) {
			s.publishTiming(req, protocol.TimingEvent{Words: words})
		},
		OnWarning: func(warning string) {
			log.Warn("synthesis warning", slog.String("warning", warning))
		},
		// Failures are reported through the session result below.
		OnError: func(error) {},
	}
	callbacks := publish.Chain(s.timeline(ctx, req))

	opts := append([]synth.Option{}, s.settings.Options...)
	opts = append(opts, synth.WithCallbacks(callbacks), synth.WithLogger(log))
	if s.tokens != nil {
		opts = append(opts, synth.WithTokenSource(s.tokens, s.settings.AuthInQuery))
	}

	session, err := synth.Dial(ctx, s.settings.Endpoint, args, opts...)
	if err == nil {
		span.SetAttributes(attribute.String("synth.session_id", session.ID()))
		err = session.Synthesize(ctx, req.Text)
	}
	s.finish(ctx, span, req, total, err)
}

func (s *Service) publishTiming(req protocol.TTSRequest, evt protocol.TimingEvent) {
	evt.SessionID = req.SessionID
	evt.Target = req.Target
	if err := s.bus.PublishJSON(protocol.SubjectTTSTiming, evt); err != nil {
		s.logger.Warn("failed to publish tts timing", slogError(err))
	}
}

// timeline records session events in the event store.
func (s *Service) timeline(ctx context.Context, req protocol.TTSRequest) synth.Callbacks {
	return synth.Callbacks{
		OnContentType: func(ct string) {
			s.record(ctx, req, eventstore.EventContentType, ct)
		},
		OnMarks: func(marks []protocol.Mark) {
			s.record(ctx, req, eventstore.EventTiming, protocol.TimingEvent{SessionID: req.SessionID, Target: req.Target, Marks: marks})
		},
		OnWordTimings: func(words []protocol.WordTiming) {
			s.record(ctx, req, eventstore.EventTiming, protocol.TimingEvent{SessionID: req.SessionID, Target: req.Target, Words: words})
		},
		OnWarning: func(warning string) {
			s.record(ctx, req, eventstore.EventWarning, warning)
		},
	}
}

func (s *Service) finish(ctx context.Context, span trace.Span, req protocol.TTSRequest, total int64, err error) {
	ctx = context.WithoutCancel(ctx)
	outcome := eventstore.EventCompleted
	if err != nil {
		outcome = eventstore.EventFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sentry.CaptureException(err)
		s.logger.Warn("tts synthesis failed", slog.String("session_id", req.SessionID), slogError(err))
	}
	span.SetAttributes(attribute.Int64("audio.bytes", total))

	var detail any = map[string]int64{"bytes": total}
	if err != nil {
		detail = map[string]string{"error": err.Error()}
	}
	s.record(ctx, req, outcome, detail)
	if storeErr := s.store.FinishSession(ctx, req.SessionID, outcome, total); storeErr != nil {
		s.logger.Warn("failed to finish session record", slogError(storeErr))
	}
	s.publishDone(req, total, err)
}

func (s *Service) publishDone(req protocol.TTSRequest, total int64, err error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: err == nil,
		Bytes:     int(total),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func (s *Service) record(ctx context.Context, req protocol.TTSRequest, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Debug("skip event", slog.String("type", eventType), slogError(err))
		return
	}
	evt := eventstore.Event{SessionID: req.SessionID, TraceID: req.TraceID, Type: eventType, Payload: data}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.logger.Debug("failed to record event", slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
