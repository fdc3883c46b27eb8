package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/bridge"
	"github.com/caffeineduck/pybridge/classifiers"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/registry"
	"github.com/caffeineduck/pybridge/security"
	"github.com/caffeineduck/pybridge/tensor"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for training and prediction",
		Long: `Start an HTTP server that hosts classifiers in one shared runtime.

Endpoints:
  POST   /models                     Create model, returns {"id":"...","model":"..."}
  GET    /models/{id}                Model state and structure
  POST   /models/{id}/fit            Fit on {"X":[[...],...],"y":[...]}
  POST   /models/{id}/predict        Predict labels for {"X":[[...],...]}
  POST   /models/{id}/predict_proba  Class probabilities for {"X":[[...],...]}
  POST   /models/{id}/score          Score on {"X":[[...],...],"y":[...]}
  DELETE /models/{id}                Release model
  GET    /health                     Health check

X is sample-major: one row per sample.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().Duration("ttl", 15*time.Minute, "Release models idle for longer than this")
	return cmd
}

type modelManager struct {
	models map[string]*hostedModel
	mu     sync.RWMutex
	ttl    time.Duration
	stop   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

type hostedModel struct {
	clf      *bridge.Classifier
	family   classifiers.Family
	lastUsed time.Time
}

func newModelManager(ttl time.Duration, log *zap.Logger) *modelManager {
	mm := &modelManager{
		models: make(map[string]*hostedModel),
		ttl:    ttl,
		stop:   make(chan struct{}),
		log:    log,
	}
	if ttl > 0 {
		go mm.cleanup(time.Minute)
	}
	return mm
}

func (mm *modelManager) add(clf *bridge.Classifier) string {
	id := generateModelID()
	mm.mu.Lock()
	mm.models[id] = &hostedModel{clf: clf, family: clf.Family(), lastUsed: time.Now()}
	mm.mu.Unlock()
	return id
}

func (mm *modelManager) get(id string) (*hostedModel, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	hm, ok := mm.models[id]
	if ok {
		hm.lastUsed = time.Now()
	}
	return hm, ok
}

func (mm *modelManager) close(id string) bool {
	mm.mu.Lock()
	hm, ok := mm.models[id]
	delete(mm.models, id)
	mm.mu.Unlock()
	if ok {
		mm.release(id, hm)
	}
	return ok
}

func (mm *modelManager) release(id string, hm *hostedModel) {
	if err := hm.clf.Close(); err != nil {
		mm.log.Warn("release model", zap.String("id", id), zap.Error(err))
	}
}

func (mm *modelManager) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			return
		case now := <-ticker.C:
			mm.expire(now)
		}
	}
}

// expire releases every model idle since before now-ttl.
func (mm *modelManager) expire(now time.Time) int {
	expired := make(map[string]*hostedModel)
	mm.mu.Lock()
	for id, hm := range mm.models {
		if now.Sub(hm.lastUsed) > mm.ttl {
			expired[id] = hm
			delete(mm.models, id)
		}
	}
	mm.mu.Unlock()

	for id, hm := range expired {
		mm.log.Info("model expired", zap.String("id", id), zap.String("model", hm.family.Name))
		mm.release(id, hm)
	}
	return len(expired)
}

func (mm *modelManager) closeAll() {
	mm.once.Do(func() { close(mm.stop) })
	mm.mu.Lock()
	models := mm.models
	mm.models = make(map[string]*hostedModel)
	mm.mu.Unlock()
	for id, hm := range models {
		mm.release(id, hm)
	}
}

func generateModelID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

type createModelRequest struct {
	Model           string          `json:"model"`
	Hyperparameters json.RawMessage `json:"hyperparameters,omitempty"`
}

type createModelResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

type dataRequest struct {
	X [][]float32 `json:"X"`
	Y []int32     `json:"y,omitempty"`
}

type modelInfo struct {
	ID              string                   `json:"id"`
	Model           string                   `json:"model"`
	State           string                   `json:"state"`
	Hyperparameters security.Hyperparameters `json:"hyperparameters,omitempty"`
	Nodes           int                      `json:"nodes"`
	Edges           int                      `json:"edges"`
	States          int                      `json:"states"`
}

// defaultMaxBody caps request bodies; fit payloads carry whole datasets.
const defaultMaxBody = 64 << 20

type server struct {
	reg     *registry.Registry
	catalog *classifiers.Catalog
	models  *modelManager
	log     *zap.Logger
	maxBody int64
}

func newServer(reg *registry.Registry, log *zap.Logger, ttl time.Duration) *server {
	return &server{
		reg:     reg,
		catalog: classifiers.DefaultCatalog(),
		models:  newModelManager(ttl, log),
		log:     log,
		maxBody: defaultMaxBody,
	}
}

func (s *server) close() {
	s.models.closeAll()
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/models", s.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/models/{id}", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/models/{id}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/models/{id}/fit", s.withModel(s.handleFit)).Methods(http.MethodPost)
	router.HandleFunc("/models/{id}/predict", s.withModel(s.handlePredict)).Methods(http.MethodPost)
	router.HandleFunc("/models/{id}/predict_proba", s.withModel(s.handleProba)).Methods(http.MethodPost)
	router.HandleFunc("/models/{id}/score", s.withModel(s.handleScore)).Methods(http.MethodPost)
	return router
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := s.decode(w, r, &req); err != nil && err != io.EOF {
		writeDecodeError(w, err)
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model required")
		return
	}
	family, ok := s.catalog.Get(req.Model)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", req.Model))
		return
	}

	var hyper security.Hyperparameters
	if len(req.Hyperparameters) > 0 {
		var err error
		if hyper, err = security.ParseHyperparameters(req.Hyperparameters); err != nil {
			writeBridgeError(w, err)
			return
		}
	}

	clf, err := newClassifier(s.reg, s.log, family, hyper)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	id := s.models.add(clf)
	s.log.Info("model created", zap.String("id", id), zap.String("model", family.Name))

	writeJSON(w, http.StatusCreated, createModelResponse{ID: id, Model: family.Name})
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hm, ok := s.models.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}

	info := modelInfo{
		ID:              id,
		Model:           hm.family.Name,
		State:           hm.clf.State().String(),
		Hyperparameters: hm.clf.Hyperparameters(),
	}
	if hm.clf.State() == bridge.Fitted {
		var err error
		if info.Nodes, err = hm.clf.NumberOfNodes(); err != nil {
			writeBridgeError(w, err)
			return
		}
		if info.Edges, err = hm.clf.NumberOfEdges(); err != nil {
			writeBridgeError(w, err)
			return
		}
		if info.States, err = hm.clf.NumberOfStates(); err != nil {
			writeBridgeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.models.close(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelHandler func(w http.ResponseWriter, clf *bridge.Classifier, req dataRequest)

// withModel resolves {id} and decodes the data body before calling h.
func (s *server) withModel(h modelHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm, ok := s.models.get(mux.Vars(r)["id"])
		if !ok {
			writeError(w, http.StatusNotFound, "model not found")
			return
		}
		var req dataRequest
		if err := s.decode(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		h(w, hm.clf, req)
	}
}

func (s *server) handleFit(w http.ResponseWriter, clf *bridge.Classifier, req dataRequest) {
	X, y, err := req.tensors(true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := clf.Fit(X, y); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": clf.State().String()})
}

func (s *server) handlePredict(w http.ResponseWriter, clf *bridge.Classifier, req dataRequest) {
	X, _, err := req.tensors(false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	labels, err := clf.Predict(X)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int32{"labels": labels.Int32s()})
}

func (s *server) handleProba(w http.ResponseWriter, clf *bridge.Classifier, req dataRequest) {
	X, _, err := req.tensors(false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	proba, err := clf.PredictProba(X)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	shape := proba.Shape()
	rows := make([][]float64, shape[0])
	for i := range rows {
		rows[i] = make([]float64, shape[1])
		for j := range rows[i] {
			rows[i][j] = proba.At(i, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string][][]float64{"probabilities": rows})
}

func (s *server) handleScore(w http.ResponseWriter, clf *bridge.Classifier, req dataRequest) {
	X, y, err := req.tensors(true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	score, err := clf.Score(X, y)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"score": score})
}

// tensors builds the feature-major X the classifier expects from the
// sample-major rows, plus y when withLabels is set.
func (req dataRequest) tensors(withLabels bool) (X, y *tensor.Tensor, err error) {
	if len(req.X) == 0 {
		return nil, nil, errors.New("X required")
	}
	features := len(req.X[0])
	flat := make([]float32, 0, len(req.X)*features)
	for i, row := range req.X {
		if len(row) != features {
			return nil, nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), features)
		}
		flat = append(flat, row...)
	}
	rows, err := tensor.FromFloat32(flat, len(req.X), features)
	if err != nil {
		return nil, nil, err
	}
	X = rows.Transpose(0, 1)

	if !withLabels {
		return X, nil, nil
	}
	if req.Y == nil {
		return nil, nil, errors.New("y required")
	}
	if y, err = tensor.FromInt32(req.Y); err != nil {
		return nil, nil, err
	}
	return X, y, nil
}

// decode reads a JSON body of at most s.maxBody bytes into v.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid json")
}

// statusOf maps a bridge error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, pberrors.ErrNotFitted), errors.Is(err, pberrors.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, pberrors.ErrInvalidHyperparameter),
		errors.Is(err, pberrors.ErrOutOfRange),
		errors.Is(err, pberrors.ErrDimension),
		errors.Is(err, pberrors.ErrDtype),
		errors.Is(err, pberrors.ErrLengthMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeBridgeError(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	reg, log, err := openSharedRegistry(cmd)
	if err != nil {
		return err
	}

	srv := newServer(reg, log, ttl)
	defer srv.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("pyclf server listening", zap.String("addr", httpServer.Addr))
	fmt.Fprintf(cmd.ErrOrStderr(), "pyclf server listening on %s\n", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
