package webapp

import (
	"context"
	"net/http"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/ratelimit"
	"nuha.dev/famtrack/internal/sublist"
	"nuha.dev/famtrack/internal/tracker"
)

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type StatsResponse struct {
	Limiter  ratelimit.Stats `json:"limiter"`
	Sessions int             `json:"sessions"`
}

type SessionsResponse struct {
	Sessions []tracker.SessionInfo `json:"sessions"`
}

type DeviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=128"`
}

type ViewerRequest struct {
	ViewerID string `json:"viewer_id" validate:"required,max=128"`
}

type StatusResponse struct {
	DeviceID string           `json:"device_id"`
	Status   connstate.Status `json:"status"`
}

func (api *Api) GetStats(ctx context.Context, res *StatsResponse) error {
	if api.limiter != nil {
		res.Limiter = api.limiter.Stats()
	}
	res.Sessions = api.reg.Len()
	return nil
}

func (api *Api) GetSessions(ctx context.Context, res *SessionsResponse) error {
	res.Sessions = api.reg.Snapshot()
	return nil
}

func (api *Api) GetDeviceStatus(ctx context.Context, req *DeviceRequest, res *StatusResponse) error {
	st, ok := api.reg.Status(req.DeviceID)
	if !ok {
		return &apiError{http.StatusNotFound, "no session for " + req.DeviceID}
	}
	res.DeviceID = req.DeviceID
	res.Status = st
	return nil
}

func (api *Api) GetViewerStats(ctx context.Context, req *ViewerRequest, res *sublist.OutboxStats) error {
	st, ok := api.reg.ViewerStats(req.ViewerID)
	if !ok {
		return &apiError{http.StatusNotFound, "no viewer " + req.ViewerID}
	}
	*res = st
	return nil
}

func (api *Api) DisconnectDevice(ctx context.Context, req *DeviceRequest, res *BasicResponse) error {
	if _, ok := api.reg.Status(req.DeviceID); !ok {
		return &apiError{http.StatusNotFound, "no session for " + req.DeviceID}
	}
	if err := api.reg.Disconnect(req.DeviceID, tracker.RoleDevice); err != nil {
		return err
	}
	api.log.Info().Str("device_id", req.DeviceID).Msg("disconnected by admin")
	res.Status = http.StatusOK
	return nil
}
