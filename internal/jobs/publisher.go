package jobs

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Publisher broadcasts committed project changes on SubjectProjectStatus.
type Publisher struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewPublisher(busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{bus: busClient, logger: logger.With(slog.String("component", "status-publisher"))}
}

// ProjectChanged publishes the project's status. Publish failures are logged
// and never fail the stage that committed the change.
func (p *Publisher) ProjectChanged(_ context.Context, proj book.Project) {
	if p == nil || p.bus == nil {
		return
	}
	if err := p.bus.PublishJSON(protocol.SubjectProjectStatus, StatusOf(proj)); err != nil {
		p.logger.Warn("failed to publish project status",
			slog.String("project_id", proj.ID), slogError(err))
	}
}

// StatusOf converts a project into its wire notification.
func StatusOf(p book.Project) *protocol.ProjectStatus {
	return &protocol.ProjectStatus{
		ProjectID:   p.ID,
		Name:        p.Name,
		Status:      string(p.Status),
		PriorStatus: string(p.PriorStatus),
		LastStage:   p.LastStage,
		LastError:   p.LastError,
		AudioDir:    p.AudioDir,
		UpdatedAt:   p.UpdatedAt,
	}
}
