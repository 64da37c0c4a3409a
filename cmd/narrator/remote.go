package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

func connect(ctx context.Context, c *common) (*bus.Client, error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	return bus.Connect(ctx, cfg.Bus, c.logger())
}

// runRemote forwards one pipeline request to a daemon over the bus.
func runRemote(ctx context.Context, args []string) error {
	fs, c := newFlagSet("remote")
	var req protocol.PipelineRequest
	fs.StringVar(&req.ProjectID, "project", "", "Project id")
	fs.StringVar(&req.TaskID, "task", "", "Task id (for the task action)")
	fs.StringVar(&req.Name, "name", "", "Project name (for ingest and run)")
	fs.StringVar(&req.SourcePath, "source", "", "Source file as seen by the daemon")
	fs.BoolVar(&req.Async, "async", false, "Queue synthesis and return a task id")
	timeout := fs.Duration("timeout", 30*time.Minute, "How long to wait for the reply")
	action, err := oneArg(fs, args, "action")
	if err != nil {
		return err
	}
	req.Action = action
	req.TraceID = uuid.NewString()
	if req.SourcePath != "" {
		if abs, err := filepath.Abs(req.SourcePath); err == nil {
			req.SourcePath = abs
		}
	}

	client, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	var reply protocol.PipelineReply
	if err := client.RequestJSON(ctx, protocol.SubjectPipelineRequest, req, &reply); err != nil {
		return err
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !reply.OK {
		return fmt.Errorf("%s: %s", reply.ErrorKind, reply.Error)
	}
	return nil
}

// runWatch prints status notifications until interrupted.
func runWatch(ctx context.Context, args []string) error {
	fs, c := newFlagSet("watch")
	project := fs.String("project", "", "Only print this project")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectProjectStatus, msgs)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg := <-msgs:
			var st protocol.ProjectStatus
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				fmt.Println("undecodable notification:", err)
				continue
			}
			if *project != "" && st.ProjectID != *project {
				continue
			}
			line := fmt.Sprintf("%s  %s  %-11s %s", st.UpdatedAt.Local().Format(time.TimeOnly), st.ProjectID, st.Status, st.Name)
			if st.LastError != "" {
				line += fmt.Sprintf("  [%s: %s]", st.LastStage, st.LastError)
			}
			fmt.Println(line)
		}
	}
}
