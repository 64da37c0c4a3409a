// Package jobs exposes the pipeline on the bus: stage requests come in as
// request/reply messages and project changes go out as status notifications.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// queueGroup lets several daemons share the request subject.
const queueGroup = "narrator-jobs"

// Pipeline is the orchestrator surface the service drives.
type Pipeline interface {
	Ingest(ctx context.Context, name, sourcePath string) (*book.Project, error)
	Analyze(ctx context.Context, id string) (*book.Project, error)
	Synthesize(ctx context.Context, id string) (*book.Project, error)
	Assemble(ctx context.Context, id string) (*book.Project, error)
	Run(ctx context.Context, name, sourcePath string) (*book.Project, error)
	SubmitSynthesis(ctx context.Context, id string) (pipeline.Task, error)
	Task(id string) (pipeline.Task, error)
	Export(id string) (string, error)
	Get(id string) (*book.Project, error)
}

type Service struct {
	cfg      config.JobsConfig
	bus      *bus.Client
	pipeline Pipeline
	sub      *nats.Subscription
	sema     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ready    bool
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.JobsConfig, busClient *bus.Client, p Pipeline, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := cfg.MaxParallelProjects
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pipeline: p,
		sema:     make(chan struct{}, limit),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(slog.String("component", "jobs-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectPipelineRequest, queueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe pipeline requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.PipelineRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode pipeline request", slogError(err))
		s.respond(msg, protocol.PipelineReply{Error: err.Error(), ErrorKind: protocol.ErrorInvalidInput})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			s.respond(msg, protocol.PipelineReply{Error: "service stopping", ErrorKind: protocol.ErrorInternal})
			return
		}
		defer func() { <-s.sema }()

		reply := s.dispatch(s.ctx, req)
		s.respond(msg, reply)
		if !reply.OK {
			s.logger.Warn("pipeline request failed",
				slog.String("action", req.Action),
				slog.String("project_id", req.ProjectID),
				slog.String("trace_id", req.TraceID),
				slog.String("error", reply.Error))
		}
	}()
}

func (s *Service) dispatch(ctx context.Context, req protocol.PipelineRequest) protocol.PipelineReply {
	var (
		p   *book.Project
		err error
	)
	switch req.Action {
	case protocol.ActionIngest:
		p, err = s.pipeline.Ingest(ctx, req.Name, req.SourcePath)
	case protocol.ActionAnalyze:
		p, err = s.pipeline.Analyze(ctx, req.ProjectID)
	case protocol.ActionSynthesize:
		if req.Async {
			task, err := s.pipeline.SubmitSynthesis(ctx, req.ProjectID)
			if err != nil {
				return failure(err)
			}
			return protocol.PipelineReply{OK: true, TaskID: task.ID, TaskState: string(task.State)}
		}
		p, err = s.pipeline.Synthesize(ctx, req.ProjectID)
	case protocol.ActionAssemble:
		p, err = s.pipeline.Assemble(ctx, req.ProjectID)
	case protocol.ActionRun:
		p, err = s.pipeline.Run(ctx, req.Name, req.SourcePath)
	case protocol.ActionStatus:
		p, err = s.pipeline.Get(req.ProjectID)
	case protocol.ActionTask:
		task, err := s.pipeline.Task(req.TaskID)
		if err != nil {
			return failure(err)
		}
		reply := protocol.PipelineReply{OK: task.State != pipeline.TaskFailed, TaskID: task.ID, TaskState: string(task.State), Error: task.Error}
		if proj, err := s.pipeline.Get(task.ProjectID); err == nil {
			reply.Project = StatusOf(*proj)
		}
		return reply
	case protocol.ActionExport:
		archive, err := s.pipeline.Export(req.ProjectID)
		if err != nil {
			return failure(err)
		}
		return protocol.PipelineReply{OK: true, Archive: archive}
	default:
		return protocol.PipelineReply{Error: fmt.Sprintf("unknown action %q", req.Action), ErrorKind: protocol.ErrorInvalidInput}
	}
	reply := failure(err)
	if p != nil {
		reply.Project = StatusOf(*p)
	}
	return reply
}

func (s *Service) respond(msg *nats.Msg, reply protocol.PipelineReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode pipeline reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send pipeline reply", slogError(err))
	}
}

// failure builds the reply for err; a nil err is success.
func failure(err error) protocol.PipelineReply {
	if err == nil {
		return protocol.PipelineReply{OK: true}
	}
	return protocol.PipelineReply{Error: err.Error(), ErrorKind: ErrorKind(err)}
}

// ErrorKind maps pipeline sentinels onto wire error kinds.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return protocol.ErrorNotFound
	case errors.Is(err, pipeline.ErrInvalidState):
		return protocol.ErrorInvalidState
	case errors.Is(err, pipeline.ErrInvalidInput):
		return protocol.ErrorInvalidInput
	case errors.Is(err, pipeline.ErrBusy):
		return protocol.ErrorBusy
	default:
		return protocol.ErrorInternal
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
