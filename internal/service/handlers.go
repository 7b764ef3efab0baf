package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vivaldi-mod-manager/internal/discovery"
	"vivaldi-mod-manager/internal/heal"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

// registerHandlers wires spec.md §4.9's command set onto the already
// constructed components. Handlers live here rather than in package ipc to
// avoid an import cycle: ipc.Server is a dependency of Service, not the
// other way around.
func (s *Service) registerHandlers() {
	s.ipcServer.Handle("GetServiceStatus", s.handleGetServiceStatus)
	s.ipcServer.Handle("GetHealthCheck", s.handleGetHealthCheck)
	s.ipcServer.Handle("GetMonitoringStatus", s.handleGetMonitoringStatus)
	s.ipcServer.Handle("PauseMonitoring", s.handlePauseMonitoring)
	s.ipcServer.Handle("ResumeMonitoring", s.handleResumeMonitoring)
	s.ipcServer.Handle("EnableSafeMode", s.handleEnableSafeMode)
	s.ipcServer.Handle("DisableSafeMode", s.handleDisableSafeMode)
	s.ipcServer.Handle("TriggerAutoHeal", s.handleTriggerAutoHeal)
	s.ipcServer.Handle("ReloadManifest", s.handleReloadManifest)
}

// serviceStatus is GetServiceStatus's payload, per spec.md §4.9.
type serviceStatus struct {
	Running          bool               `json:"running"`
	UptimeSeconds    int64              `json:"uptimeSeconds"`
	QueueDepth       int                `json:"healQueueDepth"`
	ConnectedClients int                `json:"connectedClients"`
	CurrentOperation string             `json:"currentOperation,omitempty"`
	Counters         vmmmetrics.Snapshot `json:"counters"`
}

func (s *Service) handleGetServiceStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return serviceStatus{
		Running:          true,
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:       s.supervisor.QueueDepth(),
		ConnectedClients: s.ipcServer.ClientCount(),
		CurrentOperation: s.getLastOperation(),
		Counters:         s.metrics.Snapshot(),
	}, nil
}

// healthCheck is GetHealthCheck's payload, per spec.md §4.9.
type healthCheck struct {
	ProcessRunning     bool      `json:"processRunning"`
	ManifestLoaded     bool      `json:"manifestLoaded"`
	IPCUp              bool      `json:"ipcUp"`
	MonitoringActive   bool      `json:"monitoringActive"`
	IntegrityActive    bool      `json:"integrityCheckerActive"`
	Diagnostics        []string  `json:"diagnostics,omitempty"`
	LastCheckTime      time.Time `json:"lastCheckTime,omitempty"`
}

func (s *Service) handleGetHealthCheck(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.currentHealth(ctx), nil
}

func (s *Service) currentHealth(ctx context.Context) healthCheck {
	snap := s.store.Snapshot()
	_, diags := s.disc.Detect(ctx)
	diagStrs := make([]string, 0, len(diags))
	for _, d := range diags {
		diagStrs = append(diagStrs, d.Error())
	}
	return healthCheck{
		ProcessRunning:   true,
		ManifestLoaded:   snap != nil,
		IPCUp:            true,
		MonitoringActive: snap.Settings.MonitoringEnabled,
		IntegrityActive:  snap.Settings.MonitoringEnabled,
		Diagnostics:      diagStrs,
		LastCheckTime:    time.Now().UTC(),
	}
}

// broadcastHealthChanged emits spec.md §4.9's ServiceHealthChanged event
// after monitoring is paused/resumed and after safe mode is toggled. The
// payload matches GetHealthCheck's; its monitoringActive and integrityActive
// fields follow the manifest's monitoringEnabled setting, which none of
// these operations change.
func (s *Service) broadcastHealthChanged(ctx context.Context) {
	h := s.currentHealth(ctx)
	s.ipcServer.Broadcast("ServiceHealthChanged", map[string]any{
		"processRunning":   h.ProcessRunning,
		"manifestLoaded":   h.ManifestLoaded,
		"ipcUp":            h.IPCUp,
		"monitoringActive": h.MonitoringActive,
		"integrityActive":  h.IntegrityActive,
		"diagnostics":      h.Diagnostics,
		"lastCheckTime":    h.LastCheckTime,
	})
}

// monitoringStatus is GetMonitoringStatus's payload, per spec.md §4.9.
type monitoringStatus struct {
	WatcherActive  bool                `json:"watcherActive"`
	CheckerActive  bool                `json:"checkerActive"`
	SafeModeActive bool                `json:"safeModeActive"`
	Counters       vmmmetrics.Snapshot `json:"counters"`
}

func (s *Service) handleGetMonitoringStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	snap := s.store.Snapshot()
	return monitoringStatus{
		WatcherActive:  snap.Settings.MonitoringEnabled,
		CheckerActive:  snap.Settings.MonitoringEnabled,
		SafeModeActive: snap.Settings.SafeModeActive,
		Counters:       s.metrics.Snapshot(),
	}, nil
}

func (s *Service) handlePauseMonitoring(ctx context.Context, _ json.RawMessage) (any, error) {
	s.setLastOperation("PauseMonitoring")
	if err := s.watch.Pause(); err != nil {
		return nil, fmt.Errorf("pausing monitoring: %w", err)
	}
	s.ipcServer.Broadcast("MonitoringStateChanged", map[string]any{"active": false})
	s.broadcastHealthChanged(ctx)
	return map[string]any{"paused": true}, nil
}

func (s *Service) handleResumeMonitoring(ctx context.Context, _ json.RawMessage) (any, error) {
	s.setLastOperation("ResumeMonitoring")
	snap := s.store.Snapshot()
	installations := make(map[string]string, len(snap.Installations))
	for _, inst := range snap.Installations {
		if inst.IsManaged {
			installations[inst.ID] = discovery.ResourcesDir(inst)
		}
	}
	if err := s.watch.Resume(snap.Settings.ModsRootPath, installations); err != nil {
		return nil, fmt.Errorf("resuming monitoring: %w", err)
	}
	s.ipcServer.Broadcast("MonitoringStateChanged", map[string]any{"active": true})
	s.broadcastHealthChanged(ctx)
	return map[string]any{"resumed": true}, nil
}

func (s *Service) handleEnableSafeMode(ctx context.Context, _ json.RawMessage) (any, error) {
	s.setLastOperation("EnableSafeMode")
	if err := s.safe.Activate(); err != nil {
		return nil, fmt.Errorf("enabling safe mode: %w", err)
	}
	s.ipcServer.Broadcast("SafeModeChanged", map[string]any{"active": true})
	s.broadcastHealthChanged(ctx)
	return map[string]any{"safeModeActive": true}, nil
}

func (s *Service) handleDisableSafeMode(ctx context.Context, _ json.RawMessage) (any, error) {
	s.setLastOperation("DisableSafeMode")
	needsHeal, err := s.safe.Deactivate()
	if err != nil {
		return nil, fmt.Errorf("disabling safe mode: %w", err)
	}
	s.ipcServer.Broadcast("SafeModeChanged", map[string]any{"active": false})
	s.broadcastHealthChanged(ctx)

	snap := s.store.Snapshot()
	for _, inst := range snap.Installations {
		if inst.IsManaged {
			s.supervisor.Enqueue(inst.ID, heal.ReasonManual)
		}
	}
	return map[string]any{"safeModeActive": false, "installationsQueued": needsHeal}, nil
}

type triggerAutoHealParams struct {
	InstallationID string `json:"installation_id"`
}

func (s *Service) handleTriggerAutoHeal(ctx context.Context, raw json.RawMessage) (any, error) {
	var params triggerAutoHealParams
	if err := jsonParams(raw, &params); err != nil {
		return nil, fmt.Errorf("parsing parameters: %w", err)
	}
	if params.InstallationID == "" {
		return nil, fmt.Errorf("installation_id is required")
	}
	snap := s.store.Snapshot()
	if _, ok := snap.FindInstallation(params.InstallationID); !ok {
		return nil, fmt.Errorf("unknown installation: %s", params.InstallationID)
	}
	s.setLastOperation("TriggerAutoHeal")
	id := s.supervisor.Enqueue(params.InstallationID, heal.ReasonManual)
	return map[string]any{"healRequestId": id}, nil
}

func (s *Service) handleReloadManifest(ctx context.Context, _ json.RawMessage) (any, error) {
	s.setLastOperation("ReloadManifest")
	if err := s.store.Reload(); err != nil {
		return nil, fmt.Errorf("reloading manifest: %w", err)
	}
	s.ipcServer.Broadcast("ManifestUpdated", map[string]any{"reason": "manual_reload"})
	return map[string]any{"reloaded": true}, nil
}
