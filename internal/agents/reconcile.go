package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
)

// processExitReason is the recorded reason when reconciliation finds a
// dead child behind a live agent row.
const processExitReason = "process exit observed"

// RunReconciler runs ReconcileOnce every interval until ctx is
// cancelled. The interval must keep the contract of at least one pass
// per 10 seconds while non-terminal agents exist.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > 10*time.Second {
		interval = 10 * time.Second
	}
	log.SafeGo("agents.reconciler", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReconcileOnce(); err != nil {
					log.ErrorErr(log.CatAgent, "reconcile pass failed", err)
				}
			}
		}
	})
}

// ReconcileOnce walks non-terminal agents and terminates those whose
// child process is gone. Returns the number of agents transitioned.
func (s *Service) ReconcileOnce() (int, error) {
	candidates, err := s.db.Agents().FindNonTerminal()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, agent := range candidates {
		if agent.Status != store.AgentActive && agent.Status != store.AgentIdle {
			continue
		}
		if agent.ClaudePID == nil || s.alive(*agent.ClaudePID) {
			continue
		}
		if err := s.markTerminated(agent, store.AgentTerminated, processExitReason, false); err != nil {
			log.ErrorErr(log.CatAgent, "reconcile terminate failed", err, "agent_id", agent.ID)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// StaleAgentParams tune cleanupStaleAgents.
type StaleAgentParams struct {
	StaleMinutes       int
	DryRun             bool
	IncludeRoomCleanup bool
	NotifyParticipants bool
}

// StaleRoomParams tune cleanupStaleRooms.
type StaleRoomParams struct {
	InactiveMinutes            int
	DryRun                     bool
	NotifyParticipants         bool
	DeleteEmptyRooms           bool
	DeleteNoActiveParticipants bool
	DeleteNoRecentMessages     bool
}

// CleanupSummary reports what a cleanup pass did (or would do, dry run).
type CleanupSummary struct {
	StaleAgents      []string
	TerminatedAgents int
	StaleRooms       []string
	ClosedRooms      int
	DryRun           bool
}

// CleanupStaleAgents terminates active or idle agents whose heartbeat is
// older than StaleMinutes. With IncludeRoomCleanup their rooms are
// closed too, optionally with a notification message first.
func (s *Service) CleanupStaleAgents(params StaleAgentParams) (*CleanupSummary, error) {
	if params.StaleMinutes <= 0 {
		params.StaleMinutes = 30
	}
	cutoff := time.Now().Add(-time.Duration(params.StaleMinutes) * time.Minute)
	stale, err := s.db.Agents().FindStale(cutoff)
	if err != nil {
		return nil, err
	}

	summary := &CleanupSummary{DryRun: params.DryRun}
	for _, agent := range stale {
		summary.StaleAgents = append(summary.StaleAgents, agent.ID)
		if params.DryRun {
			continue
		}
		reason := fmt.Sprintf("stale: no heartbeat for %d minutes", params.StaleMinutes)
		if err := s.markTerminated(agent, store.AgentTerminated, reason, true); err != nil {
			log.ErrorErr(log.CatAgent, "stale terminate failed", err, "agent_id", agent.ID)
			continue
		}
		summary.TerminatedAgents++

		if params.IncludeRoomCleanup && agent.RoomID != nil {
			s.closeAgentRoom(agent, params.NotifyParticipants, summary)
		}
	}
	return summary, nil
}

// closeAgentRoom closes the room attached to a stale agent.
func (s *Service) closeAgentRoom(agent *store.Agent, notify bool, summary *CleanupSummary) {
	room, err := s.db.Rooms().FindByID(*agent.RoomID)
	if err != nil || room.ClosedAt != nil {
		return
	}
	reason := ""
	if notify {
		reason = fmt.Sprintf("closing: agent %s went stale", agent.AgentName)
	}
	if err := s.rooms.CloseRoom(room.Name, room.RepositoryPath, reason); err != nil {
		log.Warn(log.CatAgent, "stale room close failed", "room", room.Name, "error", err.Error())
		return
	}
	summary.StaleRooms = append(summary.StaleRooms, room.Name)
	summary.ClosedRooms++
}

// CleanupStaleRooms closes open rooms qualifying under the enabled
// criteria: no messages ever, no active participants, or no message
// within InactiveMinutes.
func (s *Service) CleanupStaleRooms(repositoryPath string, params StaleRoomParams) (*CleanupSummary, error) {
	if params.InactiveMinutes <= 0 {
		params.InactiveMinutes = 60
	}
	open, err := s.db.Rooms().ListOpen(repositoryPath)
	if err != nil {
		return nil, err
	}

	summary := &CleanupSummary{DryRun: params.DryRun}
	cutoff := time.Now().Add(-time.Duration(params.InactiveMinutes) * time.Minute)
	for _, room := range open {
		qualifies, why, err := s.roomQualifies(room, params, cutoff)
		if err != nil {
			return summary, err
		}
		if !qualifies {
			continue
		}
		summary.StaleRooms = append(summary.StaleRooms, room.Name)
		if params.DryRun {
			continue
		}
		reason := ""
		if params.NotifyParticipants {
			reason = "closing: " + why
		}
		if err := s.rooms.CloseRoom(room.Name, room.RepositoryPath, reason); err != nil {
			log.Warn(log.CatAgent, "stale room close failed", "room", room.Name, "error", err.Error())
			continue
		}
		summary.ClosedRooms++
	}
	return summary, nil
}

// roomQualifies evaluates a room against the enabled stale criteria.
func (s *Service) roomQualifies(room *store.Room, params StaleRoomParams, cutoff time.Time) (bool, string, error) {
	last, err := s.db.Rooms().LastMessageAt(room.ID)
	if err != nil {
		return false, "", err
	}

	if params.DeleteEmptyRooms && last.IsZero() {
		return true, "room has no messages", nil
	}
	if params.DeleteNoRecentMessages && !last.IsZero() && last.Before(cutoff) {
		return true, "room has no recent messages", nil
	}
	if params.DeleteNoActiveParticipants {
		parts, err := s.db.Rooms().ListParticipants(room.ID)
		if err != nil {
			return false, "", err
		}
		active := 0
		for _, p := range parts {
			if p.Status == store.ParticipantActive {
				active++
			}
		}
		if active == 0 {
			return true, "room has no active participants", nil
		}
	}
	return false, "", nil
}

// RunComprehensiveCleanup composes agent and room cleanup into one
// summary.
func (s *Service) RunComprehensiveCleanup(repositoryPath string, agentParams StaleAgentParams, roomParams StaleRoomParams) (*CleanupSummary, error) {
	agentSummary, err := s.CleanupStaleAgents(agentParams)
	if err != nil {
		return nil, err
	}
	roomSummary, err := s.CleanupStaleRooms(repositoryPath, roomParams)
	if err != nil {
		return agentSummary, err
	}
	return &CleanupSummary{
		StaleAgents:      agentSummary.StaleAgents,
		TerminatedAgents: agentSummary.TerminatedAgents,
		StaleRooms:       append(agentSummary.StaleRooms, roomSummary.StaleRooms...),
		ClosedRooms:      agentSummary.ClosedRooms + roomSummary.ClosedRooms,
		DryRun:           agentParams.DryRun || roomParams.DryRun,
	}, nil
}
