package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docgenflow/internal/config"
	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/services"
)

type documentGenerator interface {
	GenerateDocuments(ctx context.Context, reqs []models.GenerateRequest) ([]models.MultipleItem, error)
	GenerateSingle(ctx context.Context, req models.GenerateRequest) (string, error)
	GenerateDocumentsAndMerge(ctx context.Context, reqs []models.GenerateRequest) (string, error)
	GenerateAndMerge(ctx context.Context, req models.MergeRequest) (string, error)
	MainBucket() string
}

var (
	convertorInstance documentGenerator
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleGenerateSingle", handleGenerateSingle)
	functions.HTTP("HandleGenerateMultiple", handleGenerateMultiple)
	functions.HTTP("HandleGenerateMultipleMerge", handleGenerateMultipleMerge)
	functions.HTTP("HandleMerge", handleMerge)
}

// main is required by the Go Functions Framework.
func main() {}

func instance(w http.ResponseWriter) documentGenerator {
	once.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			initErr = err
			return
		}
		convertorInstance, initErr = services.NewConvertor(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return nil
	}
	return convertorInstance
}

func handleGenerateSingle(w http.ResponseWriter, r *http.Request) {
	c := instance(w)
	if c == nil {
		return
	}
	var req models.GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	documentPath, err := c.GenerateSingle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, models.SingleResponse{BucketName: c.MainBucket(), DocumentPath: documentPath})
}

func handleGenerateMultiple(w http.ResponseWriter, r *http.Request) {
	c := instance(w)
	if c == nil {
		return
	}
	var req models.MultipleRequest
	if !decode(w, r, &req) {
		return
	}
	items, err := c.GenerateDocuments(r.Context(), req.Templates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, models.MultipleResponse{BucketName: c.MainBucket(), Documents: items})
}

func handleGenerateMultipleMerge(w http.ResponseWriter, r *http.Request) {
	c := instance(w)
	if c == nil {
		return
	}
	var req models.MultipleRequest
	if !decode(w, r, &req) {
		return
	}
	documentPath, err := c.GenerateDocumentsAndMerge(r.Context(), req.Templates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, models.SingleResponse{BucketName: c.MainBucket(), DocumentPath: documentPath})
}

func handleMerge(w http.ResponseWriter, r *http.Request) {
	c := instance(w)
	if c == nil {
		return
	}
	var req models.MergeRequest
	if !decode(w, r, &req) {
		return
	}
	documentPath, err := c.GenerateAndMerge(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, models.SingleResponse{BucketName: c.MainBucket(), DocumentPath: documentPath})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Message: "could not parse JSON: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := models.HTTPStatus(err)
	resp := models.ErrorResponse{Message: err.Error()}

	var e *models.Error
	if errors.As(err, &e) {
		resp.Message = errors.Unwrap(e).Error()
		resp.FieldName = e.Field
		resp.FieldValue = e.Value
	}
	if models.KindOf(err).Expected() {
		slog.Warn("Request rejected", "status", status, "error", err)
	} else {
		slog.Error("Request failed", "status", status, "error", err)
		if status == http.StatusInternalServerError {
			resp.Message = "internal error"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
