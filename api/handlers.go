package api

import (
	"errors"
	"net/http"

	"transcribe/models"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

type submitResponse struct {
	Job      *models.Job     `json:"job"`
	Decision models.Decision `json:"decision"`
}

func (s *Server) submitJob(c echo.Context) error {
	var req models.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	job, decision, err := s.pool.Submitter.Submit(c.Request().Context(), req)
	if errors.Is(err, models.ErrInvalidRequest) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.WithError(err).WithField("user_id", req.UserID).Error("job submission failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "job submission failed")
	}

	code := http.StatusAccepted
	if job.Status == models.StatusProcessing {
		code = http.StatusCreated
	}
	return c.JSON(code, submitResponse{Job: job, Decision: decision})
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.pool.Submitter.Status(c.Request().Context(), c.Param("id"))
	if errors.Is(err, models.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) checkAdmission(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	jobType := c.QueryParam("jobType")
	if jobType == "" {
		jobType = models.DefaultJobType
	}

	decision, err := s.pool.Admission.CanAdmit(c.Request().Context(), userID, jobType)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("admission check failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "admission check failed")
	}
	if !decision.Allowed {
		return c.JSON(http.StatusTooManyRequests, decision)
	}
	return c.JSON(http.StatusOK, decision)
}

// inferenceWebhook answers 2xx only once the event's effect is committed.
// A 500 asks the sender to redeliver.
func (s *Server) inferenceWebhook(c echo.Context) error {
	var event models.WebhookEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed webhook body")
	}

	outcome, err := s.pool.Completion.Handle(c.Request().Context(), event)
	if errors.Is(err, models.ErrInvalidEvent) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"external_job_id": event.ExternalJobID,
			"status":          string(event.Status),
		}).Error("webhook processing failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"outcome": outcome})
}

func (s *Server) processQueue(c echo.Context) error {
	stats, err := s.pool.Queue.Run(c.Request().Context())
	if err != nil {
		s.logger.WithError(err).Error("queue run failed")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) reconcile(c echo.Context) error {
	stats, err := s.pool.Reconciler.Run(c.Request().Context())
	if err != nil {
		s.logger.WithError(err).Error("reconcile run failed")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}
