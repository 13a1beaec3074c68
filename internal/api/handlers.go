package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/internal/telemetry"
)

func (s *Server) handleListDevices(c echo.Context) error {
	f := registry.Filter{
		Role:  c.QueryParam("role"),
		Arch:  c.QueryParam("arch"),
		State: c.QueryParam("state"),
	}
	return c.JSON(http.StatusOK, s.registry.List(f))
}

func (s *Server) handleGetDevice(c echo.Context) error {
	d, err := s.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, NotFoundError("device", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, InternalError("registry read failed", err.Error()))
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.store.ListRuns()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalError("run store read failed", err.Error()))
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Param("id"))
	if err != nil {
		if errors.Is(err, telemetry.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, NotFoundError("run", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, InternalError("run store read failed", err.Error()))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetRecord(c echo.Context) error {
	record, err := s.collector.Aggregate(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalError("aggregate failed", err.Error()))
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) handleExportCSV(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="`+c.Param("id")+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	return s.collector.ExportCSV(c.Param("id"), c.Response())
}

var upgrader = websocket.Upgrader{
	// Origin is already vetted by the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes telemetry entries for a run over a websocket as
// they are ingested.
func (s *Server) handleStream(c echo.Context) error {
	runID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	entries, cancel := s.collector.Subscribe(runID)
	defer cancel()

	// Reader goroutine: detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("websocket write failed, closing stream",
					zap.String("run", runID), zap.Error(err))
				return nil
			}
		}
	}
}
