package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/certbot"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/queue"
)

// submitRequest defines the expected JSON body for submitting a certificate request.
type submitRequest struct {
	Name       string   `json:"name"`
	CommonName string   `json:"commonName"`
	DNSNames   []string `json:"dnsNames"`
	KeyBits    int      `json:"keyBits"`
}

// HandleSubmitRequest enqueues a certificate request and starts its order process.
func HandleSubmitRequest(c echo.Context) error {
	store := c.Get("store").(queue.Storage)
	bot := c.Get("certbot").(*certbot.CertBot)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleSubmitRequest"))
	ctx := c.Request().Context()

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Name cannot be empty")
	}
	if len(req.DNSNames) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "At least one DNS name is required")
	}
	if req.CommonName == "" {
		req.CommonName = req.DNSNames[0]
	}

	certReq := &model.CertificateRequest{
		ID:         uuid.NewString(),
		Name:       req.Name,
		CommonName: req.CommonName,
		DNSNames:   req.DNSNames,
		KeyBits:    req.KeyBits,
		Status:     model.StatusPending,
	}
	if err := store.SaveRequest(ctx, certReq); err != nil {
		reqLogger.Error("Failed to save certificate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save request")
	}

	bot.Submit(certReq)
	reqLogger.Info("Certificate request submitted",
		zap.String("request_id", certReq.ID), zap.Strings("dns_names", certReq.DNSNames))
	return c.JSON(http.StatusAccepted, certReq)
}

// HandleListRequests lists all queued requests.
func HandleListRequests(c echo.Context) error {
	store := c.Get("store").(queue.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListRequests"))

	requests, err := store.ListRequests(c.Request().Context())
	if err != nil {
		reqLogger.Error("Failed to list certificate requests", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve requests")
	}
	if requests == nil {
		requests = []*model.CertificateRequest{}
	}
	return c.JSON(http.StatusOK, requests)
}

// HandleGetRequest returns one request's current status.
func HandleGetRequest(c echo.Context) error {
	store := c.Get("store").(queue.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleGetRequest"))

	req, err := store.GetRequest(c.Request().Context(), c.Param("requestID"))
	if errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Request not found")
	}
	if err != nil {
		reqLogger.Error("Failed to get certificate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve request")
	}
	return c.JSON(http.StatusOK, req)
}

// HandleDeleteRequest removes a request from the queue. In-flight order
// processes are not cancelled; the server-side order outlives the row.
func HandleDeleteRequest(c echo.Context) error {
	store := c.Get("store").(queue.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleDeleteRequest"))

	err := store.DeleteRequest(c.Request().Context(), c.Param("requestID"))
	if errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Request not found")
	}
	if err != nil {
		reqLogger.Error("Failed to delete certificate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete request")
	}
	reqLogger.Info("Certificate request deleted", zap.String("request_id", c.Param("requestID")))
	return c.NoContent(http.StatusNoContent)
}
