package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"templateshop.app/api/internal/logger"
	"templateshop.app/api/models"
	"templateshop.app/api/storage"
)

const (
	msgLicenseNotFound  = "license not found"
	msgLicenseActivated = "license activated"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key"`
}

type LicenseInfo struct {
	Key        string             `json:"key"`
	TemplateID string             `json:"template_id"`
	Tier       models.LicenseTier `json:"tier"`
	Active     bool               `json:"active"`
	MaxUsage   *int               `json:"max_usage"`
	UsedCount  int                `json:"used_count"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
}

type ValidateResponse struct {
	Valid   bool         `json:"valid"`
	Message string       `json:"message"`
	License *LicenseInfo `json:"license,omitempty"`
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLicenseRequest(w, r)
	if !ok {
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), req.LicenseKey)
	if err != nil {
		logger.Error("Failed to look up license", logger.Fields{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to validate license")
		return
	}
	if license == nil {
		respondWithValidation(w, http.StatusOK, false, msgLicenseNotFound, nil)
		return
	}

	valid, reason := license.Check(s.now())
	respondWithValidation(w, http.StatusOK, valid, reason, license)
}

// ActivateLicense consumes one usage of a valid license.
func (s *Server) ActivateLicense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLicenseRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	license, err := s.Storage.FindLicenseByKey(ctx, req.LicenseKey)
	if err != nil {
		logger.Error("Failed to look up license", logger.Fields{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to activate license")
		return
	}
	if license == nil {
		respondWithValidation(w, http.StatusOK, false, msgLicenseNotFound, nil)
		return
	}
	if valid, reason := license.Check(s.now()); !valid {
		respondWithValidation(w, http.StatusOK, false, reason, license)
		return
	}

	used, err := s.Storage.IncrementLicenseUsage(ctx, req.LicenseKey)
	switch {
	case errors.Is(err, storage.ErrUsageExhausted):
		respondWithValidation(w, http.StatusConflict, false, models.ReasonUsageExceeded, license)
		return
	case errors.Is(err, storage.ErrLicenseInactive):
		respondWithValidation(w, http.StatusOK, false, models.ReasonInactive, license)
		return
	case errors.Is(err, storage.ErrLicenseNotFound):
		respondWithValidation(w, http.StatusOK, false, msgLicenseNotFound, nil)
		return
	case err != nil:
		logger.Error("Failed to activate license", logger.Fields{
			"license_id": license.ID,
			"error":      err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to activate license")
		return
	}

	logger.Info("License activated", logger.Fields{
		"license_id": used.ID,
		"used_count": used.UsedCount,
	})
	respondWithValidation(w, http.StatusOK, true, msgLicenseActivated, used)
}

func decodeLicenseRequest(w http.ResponseWriter, r *http.Request) (LicenseRequest, bool) {
	var req LicenseRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return req, false
	}

	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid license")
		return req, false
	}
	return req, true
}

func (lr LicenseRequest) validate() error {
	if lr.LicenseKey == "" {
		return fmt.Errorf("license_key required")
	}
	return nil
}

func licenseInfo(license *models.License) *LicenseInfo {
	if license == nil {
		return nil
	}
	return &LicenseInfo{
		Key:        license.Key,
		TemplateID: license.TemplateID,
		Tier:       license.Tier,
		Active:     license.Active,
		MaxUsage:   license.MaxUsage,
		UsedCount:  license.UsedCount,
		ExpiresAt:  license.ExpiresAt,
	}
}

func respondWithValidation(w http.ResponseWriter, status int, valid bool, message string, license *models.License) {
	writeJSON(w, status, ValidateResponse{
		Valid:   valid,
		Message: message,
		License: licenseInfo(license),
	})
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
