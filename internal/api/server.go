// Package api exposes the mission workflow over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/model"
	"github.com/sells-group/mission-council/internal/workflow"
)

// Workflow is the request layer the handlers drive. *workflow.Service
// satisfies it.
type Workflow interface {
	StartMission(ctx context.Context, p workflow.StartParams) (*workflow.StartResult, error)
	Submit(ctx context.Context, p workflow.SubmitParams) (*model.ResponseData, error)
	IssueCoupon(ctx context.Context, p workflow.IssueParams) (*model.Coupon, error)
	RedeemCoupon(ctx context.Context, p workflow.RedeemParams) (*model.RedeemResult, error)
	TodayHint(missionType string) (*workflow.TodayHint, error)
}

// Config configures the router.
type Config struct {
	CORSOrigins    []string
	MaxUploadBytes int64
	// UploadDir holds submitted photos while they are judged. Empty means
	// the system temp directory.
	UploadDir string
	// JudgeStates reports the circuit state per judge endpoint on /health.
	JudgeStates func() map[string]string
}

const defaultMaxUpload = 20 << 20

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".heif": true,
}

// Upload validation messages shown to the user.
const (
	msgNoImage         = "이미지 파일이 없습니다."
	msgNoFilename      = "파일이 선택되지 않았습니다."
	msgUnsupportedType = "지원하지 않는 파일 형식입니다."
)

type server struct {
	wf  Workflow
	cfg Config
}

// NewRouter builds the HTTP handler. metrics may be nil.
func NewRouter(wf Workflow, metrics http.Handler, cfg Config) http.Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &server{wf: wf, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/today-hint", s.todayHint)
		r.Post("/mission/start", s.startMission)
		r.Post("/mission/submit", s.submit)
		r.Post("/coupon/issue", s.issueCoupon)
		r.Post("/coupon/redeem", s.redeemCoupon)
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Judges map[string]string `json:"judges,omitempty"`
}

// health always answers 200; an open judge circuit only degrades the status.
func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.cfg.JudgeStates != nil {
		resp.Judges = s.cfg.JudgeStates()
		for _, state := range resp.Judges {
			if state == "open" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) todayHint(w http.ResponseWriter, r *http.Request) {
	mt := r.URL.Query().Get("mission_type")
	if mt == "" {
		mt = string(model.MissionTypeLocation)
	}
	res, err := s.wf.TodayHint(mt)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) startMission(w http.ResponseWriter, r *http.Request) {
	var p workflow.StartParams
	if !decodeOptional(w, r, &p) {
		return
	}
	res, err := s.wf.StartMission(r.Context(), p)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	missionID := strings.TrimSpace(r.FormValue("mission_id"))
	if missionID == "" {
		writeError(w, http.StatusBadRequest, workflow.CodeMissionIDRequired)
		return
	}

	path, msg, err := s.saveUpload(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	defer os.Remove(path) //nolint:errcheck

	data, err := s.wf.Submit(r.Context(), workflow.SubmitParams{
		MissionID:      missionID,
		ImagePath:      path,
		ModelSelection: r.FormValue("model_selection"),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// saveUpload copies the "image" part to a temp file. A non-empty message
// means the upload itself was unacceptable.
func (s *server) saveUpload(r *http.Request) (path, msg string, err error) {
	file, header, err := r.FormFile("image")
	if err != nil {
		return "", msgNoImage, nil
	}
	defer file.Close() //nolint:errcheck

	if header.Filename == "" {
		return "", msgNoFilename, nil
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		return "", msgUnsupportedType, nil
	}

	tmp, err := os.CreateTemp(s.cfg.UploadDir, "submission-*"+ext)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return "", "", err
	}
	return tmp.Name(), "", nil
}

func (s *server) issueCoupon(w http.ResponseWriter, r *http.Request) {
	var p workflow.IssueParams
	if !decodeOptional(w, r, &p) {
		return
	}
	c, err := s.wf.IssueCoupon(r.Context(), p)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) redeemCoupon(w http.ResponseWriter, r *http.Request) {
	var p workflow.RedeemParams
	if !decodeOptional(w, r, &p) {
		return
	}
	res, err := s.wf.RedeemCoupon(r.Context(), p)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	status := http.StatusBadRequest
	if res.Status == model.RedeemOK {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// decodeOptional reads a JSON body; an empty body leaves v at its zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var rej *workflow.Rejection
	if errors.As(err, &rej) {
		status := http.StatusBadRequest
		if rej.NotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, rej.Code)
		return
	}
	zap.L().Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
