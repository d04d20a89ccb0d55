package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/pkg/calib"
)

func (s *Server) handleCreateCalibrator(c *echo.Context) error {
	req, err := decodeJSON[CreateCalibratorRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	sess := s.store.Create(calib.Config{
		Axis:               req.Axis,
		TrackHistory:       req.TrackHistory,
		KeepHistoryOnReset: req.KeepHistory,
		Logger:             s.log,
		Observer:           metrics.CalibrationObserver{},
	}, s.clock())
	s.log.Debug("calibrator created", "id", sess.id, "axis", fmt.Sprint(req.Axis))
	return c.JSON(http.StatusCreated, sessionResponse(sess))
}

func (s *Server) handleGetCalibrator(c *echo.Context) error {
	sess, err := s.lookup(c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.JSON(http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleDeleteCalibrator(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeErr(c, fmt.Errorf("%w: calibrator %q", ErrSessionNotFound, id))
	}
	return c.JSON(http.StatusOK, DeleteCalibratorResponse{ID: id, Object: "calibrator.deleted", Deleted: true})
}

func (s *Server) handleCollect(c *echo.Context) error {
	sess, err := s.lookup(c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	req, err := decodeJSON[CollectRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := req.Tensor.toTensor()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.cal.Collect(x); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleReset(c *echo.Context) error {
	sess, err := s.lookup(c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.cal.Reset()
	return c.JSON(http.StatusOK, sessionResponse(sess))
}

func (s *Server) lookup(id string) (*session, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: calibrator %q", ErrSessionNotFound, id)
	}
	return sess, nil
}

// sessionResponse renders sess. The caller holds sess.mu or owns sess.
func sessionResponse(sess *session) CalibratorResponse {
	resp := CalibratorResponse{
		ID:        sess.id,
		Object:    "calibrator",
		CreatedAt: sess.createdAt.Unix(),
		Axis:      sess.axis,
		State:     sess.cal.State().String(),
		Batches:   sess.cal.Batches(),
		Amax:      payloadOf(sess.cal.ComputeAmax()),
		History:   len(sess.cal.History()),
	}
	if err := sess.cal.Failed(); err != nil {
		resp.Failed = err.Error()
	}
	return resp
}
