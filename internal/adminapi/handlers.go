package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.start).Seconds()),
	})
}

type sessionView struct {
	Screenname string `json:"screenname"`
	Platform   string `json:"platform"`
	InChat     bool   `json:"in_chat"`
	ChatTag    int    `json:"chat_tag,omitempty"`
}

type sessionsResponse struct {
	OnlineCount int           `json:"online_count"`
	Sessions    []sessionView `json:"sessions"`
}

func (s *Server) handleSessions(c echo.Context) error {
	if s.Registry == nil {
		return c.JSON(http.StatusOK, sessionsResponse{})
	}
	conns := s.Registry.GetAllConnections()
	views := make([]sessionView, 0, len(conns))
	for _, uc := range conns {
		v := sessionView{
			Screenname: uc.Screenname,
			Platform:   uc.Platform.String(),
			InChat:     uc.InChat(),
		}
		if tag, ok := s.Registry.ChatTag(uc.Screenname); ok {
			v.ChatTag = tag
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, sessionsResponse{
		OnlineCount: s.Registry.OnlineCount(),
		Sessions:    views,
	})
}

type transfersResponse struct {
	Downloads []downloadView `json:"downloads"`
	Uploads   []uploadView   `json:"uploads"`
}

type downloadView struct {
	TransferID string    `json:"transfer_id"`
	Owner      string    `json:"owner"`
	Filename   string    `json:"filename"`
	FileSize   int64     `json:"file_size"`
	Phase      string    `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
}

type uploadView struct {
	TransferID string `json:"transfer_id"`
	Owner      string `json:"owner"`
	Filename   string `json:"filename"`
	Received   int64  `json:"received_bytes"`
	Phase      string `json:"phase"`
}

func (s *Server) handleTransfers(c echo.Context) error {
	resp := transfersResponse{}
	if s.Downloads != nil {
		for _, d := range s.Downloads.Snapshot() {
			resp.Downloads = append(resp.Downloads, downloadView{
				TransferID: d.TransferID,
				Owner:      d.Owner,
				Filename:   d.Filename,
				FileSize:   d.FileSize,
				Phase:      d.Phase,
				StartedAt:  d.Start,
			})
		}
	}
	if s.Uploads != nil {
		for _, u := range s.Uploads.Snapshot() {
			resp.Uploads = append(resp.Uploads, uploadView{
				TransferID: u.TransferID,
				Owner:      u.Owner,
				Filename:   u.Filename,
				Received:   u.Received,
				Phase:      u.Phase,
			})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type metricsResponse struct {
	OnlineCount      int `json:"online_count"`
	InFlightUploads  int `json:"in_flight_uploads"`
	InFlightDownload int `json:"in_flight_downloads"`
	UptimeSec        int64 `json:"uptime_seconds"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	resp := metricsResponse{UptimeSec: int64(time.Since(s.start).Seconds())}
	if s.Registry != nil {
		resp.OnlineCount = s.Registry.OnlineCount()
	}
	if s.Downloads != nil {
		resp.InFlightDownload = len(s.Downloads.Snapshot())
	}
	if s.Uploads != nil {
		resp.InFlightUploads = len(s.Uploads.Snapshot())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleIDBDrift(c echo.Context) error {
	if s.Store == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	entries, err := s.Store.GetIDBDriftLog()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}
