package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mosaicflow/orchestrator/blobstore"
	"github.com/mosaicflow/orchestrator/config"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/entitystore"
	"github.com/mosaicflow/orchestrator/orchestrator"
	"github.com/mosaicflow/orchestrator/planfsm"
	"github.com/mosaicflow/orchestrator/telemetry"
)

// Gateway is C6: the Session Gateway. It exposes the Command API (§4.6)
// over chi and the Event Stream over a websocket upgrade, authenticates
// every command, and is the sole caller of the Orchestrator (C5) from
// outside the process.
type Gateway struct {
	store  *entitystore.Store
	orch   *orchestrator.Orchestrator
	blobs  blobstore.Store
	bus    *planfsm.Bus
	deltas *deltaBus
	auth   *Authenticator
	cfg    config.Config
	logger telemetry.Logger

	upgrader websocket.Upgrader
	router   chi.Router
}

// Options configures a new Gateway.
type Options struct {
	Store         *entitystore.Store
	Orchestrator  *orchestrator.Orchestrator
	Blobs         blobstore.Store
	Bus           *planfsm.Bus
	Config        config.Config
	Logger        telemetry.Logger
	AllowedOrigin func(r *http.Request) bool // nil allows every origin (dev default)
}

// New constructs a Gateway and mounts its routes.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	checkOrigin := opts.AllowedOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	g := &Gateway{
		store:  opts.Store,
		orch:   opts.Orchestrator,
		blobs:  opts.Blobs,
		bus:    opts.Bus,
		deltas: newDeltaBus(opts.Config.EventSubscriberLagThreshold),
		auth:   NewAuthenticator(opts.Config.JWTSecret),
		cfg:    opts.Config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	g.mountRoutes()
	return g
}

// ServeHTTP satisfies http.Handler, so a Gateway can be handed directly to
// an http.Server.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.router.ServeHTTP(w, r) }

// PublishDelta forwards a partial LLM token chunk to the gateway's
// StreamDelta channel. Nothing in this module calls it: the orchestrator
// runs agent turns without a streaming callback, so no StreamDelta event is
// produced from model output.
func (g *Gateway) PublishDelta(sessionID domain.SessionID, planID domain.PlanID, stepID domain.StepID, text string, appendChunk bool) {
	g.deltas.publish(sessionID, deltaEvent{PlanID: planID, StepID: stepID, Text: text, Append: appendChunk})
}

func (g *Gateway) mountRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.authMiddleware)

	r.Post("/sessions/{session_id}/datasets", g.handleUploadDataset)
	r.Post("/sessions/{session_id}/plans", g.handleCreatePlan)
	r.Post("/sessions/{session_id}/plans/{plan_id}/approve", g.handleApprovePlan)
	r.Post("/sessions/{session_id}/plans/{plan_id}/clarify", g.handleClarify)
	r.Post("/sessions/{session_id}/plans/{plan_id}/cancel", g.handleCancelPlan)
	r.Get("/sessions/{session_id}/plans/{plan_id}", g.handleGetPlan)
	r.Get("/sessions/{session_id}/history", g.handleHistory)
	r.Get("/sessions/{session_id}/stream", g.handleStream)

	g.router = r
}

// --- Command API (spec §4.6) ---

type createPlanRequest struct {
	TeamID      domain.TeamID `json:"team_id"`
	UserRequest string        `json:"user_request"`
}

type createPlanResponse struct {
	PlanID domain.PlanID `json:"plan_id"`
}

// handleCreatePlan implements `POST create_plan(session_id, team_id,
// user_request) -> {plan_id}` (spec §4.6), delegating to C5 planning mode.
// An empty user_request is rejected synchronously with ValidationError and
// no plan is persisted (spec §7 "Errors during the planning phase ... are
// returned synchronously ... and no plan is persisted").
func (g *Gateway) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, coreerr.Wrap(coreerr.ValidationError, "malformed request body", err))
		return
	}
	if req.UserRequest == "" {
		writeError(w, http.StatusBadRequest, coreerr.New(coreerr.ValidationError, "user_request must not be empty"))
		return
	}
	if err := g.requireSessionOwnerOrCreate(r.Context(), sessionID, UserIDFromContext(r.Context()), req.TeamID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	plan, err := g.orch.CreatePlan(r.Context(), sessionID, req.TeamID, req.UserRequest)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, createPlanResponse{PlanID: plan.ID})
}

type approvePlanRequest struct {
	Approved bool `json:"approved"`
}

// handleApprovePlan implements `POST approve_plan(plan_id, approved: bool)`
// (spec §4.6): true triggers C5 execution, false is equivalent to Cancel.
func (g *Gateway) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	planID := domain.PlanID(chi.URLParam(r, "plan_id"))
	var req approvePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, coreerr.Wrap(coreerr.ValidationError, "malformed request body", err))
		return
	}
	if err := g.requireSessionOwner(r.Context(), sessionID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := g.orch.Approve(r.Context(), sessionID, planID, req.Approved); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type clarifyRequest struct {
	Reply string `json:"reply"`
}

// handleClarify implements `POST clarify(plan_id, reply)` (spec §4.6).
func (g *Gateway) handleClarify(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	planID := domain.PlanID(chi.URLParam(r, "plan_id"))
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, coreerr.Wrap(coreerr.ValidationError, "malformed request body", err))
		return
	}
	if err := g.requireSessionOwner(r.Context(), sessionID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := g.orch.Clarify(r.Context(), sessionID, planID, req.Reply); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCancelPlan implements `POST cancel_plan(plan_id)` (spec §4.6).
func (g *Gateway) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	planID := domain.PlanID(chi.URLParam(r, "plan_id"))
	if err := g.requireSessionOwner(r.Context(), sessionID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := g.orch.CancelPlan(r.Context(), sessionID, planID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type stepView struct {
	StepID     domain.StepID     `json:"step_id"`
	Ordinal    int               `json:"ordinal"`
	AgentName  string            `json:"agent_name"`
	Action     string            `json:"action"`
	Status     domain.StepStatus `json:"status"`
	OutputText string            `json:"output_text,omitempty"`
	ErrorKind  coreerr.Kind      `json:"error_kind,omitempty"`
}

type planView struct {
	PlanID        domain.PlanID     `json:"plan_id"`
	SessionID     domain.SessionID  `json:"session_id"`
	OverallStatus domain.PlanStatus `json:"overall_status"`
	Facts         string            `json:"facts,omitempty"`
	Steps         []stepView        `json:"steps"`
	FinalResult   string            `json:"final_result,omitempty"`
	TranscriptTail []transcriptEntry `json:"transcript_tail"`
}

type transcriptEntry struct {
	Kind      domain.MessageKind `json:"kind"`
	AgentName string             `json:"agent_name,omitempty"`
	Body      string             `json:"body"`
	Timestamp time.Time          `json:"timestamp"`
}

// transcriptTailSize bounds the `GET plan(plan_id)` transcript tail (spec
// §4.6 "plan(plan_id) -> plan + step list + transcript tail").
const transcriptTailSize = 20

// handleGetPlan implements `GET plan(plan_id) -> plan + step list +
// transcript tail` (spec §4.6).
func (g *Gateway) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	planID := domain.PlanID(chi.URLParam(r, "plan_id"))
	if err := g.requireSessionOwner(r.Context(), sessionID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	plan, err := g.store.GetPlan(r.Context(), sessionID, planID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	msgs, err := g.store.ListMessages(r.Context(), sessionID, planID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if len(msgs) > transcriptTailSize {
		msgs = msgs[len(msgs)-transcriptTailSize:]
	}
	writeJSON(w, http.StatusOK, toPlanView(plan, msgs))
}

func toPlanView(plan *domain.Plan, msgs []*domain.Message) planView {
	view := planView{
		PlanID: plan.ID, SessionID: plan.SessionID, OverallStatus: plan.OverallStatus,
		Facts: plan.Facts, FinalResult: plan.FinalResult,
	}
	for _, s := range plan.Steps {
		view.Steps = append(view.Steps, stepView{
			StepID: s.ID, Ordinal: s.Ordinal, AgentName: s.AgentName, Action: s.Action,
			Status: s.Status, OutputText: s.OutputText, ErrorKind: s.ErrorKind,
		})
	}
	for _, m := range msgs {
		view.TranscriptTail = append(view.TranscriptTail, transcriptEntry{
			Kind: m.Kind, AgentName: m.AgentName, Body: m.Body, Timestamp: m.Timestamp,
		})
	}
	return view
}

type planSummary struct {
	PlanID        domain.PlanID     `json:"plan_id"`
	OverallStatus domain.PlanStatus `json:"overall_status"`
	UserRequest   string            `json:"user_request"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// handleHistory implements `GET history(session_id) -> plan summaries`
// (spec §4.6).
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	if err := g.requireSessionOwner(r.Context(), sessionID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	plans, err := g.store.ListPlans(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	summaries := make([]planSummary, 0, len(plans))
	for _, p := range plans {
		summaries = append(summaries, planSummary{
			PlanID: p.ID, OverallStatus: p.OverallStatus, UserRequest: p.UserRequest,
			CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

type uploadDatasetResponse struct {
	DatasetID domain.DatasetID `json:"dataset_id"`
}

// handleUploadDataset implements `POST upload_dataset(file, session_id) ->
// {dataset_id}` (spec §4.6): persists content via blobstore, registers the
// handle, and returns immediately (no blocking on downstream tool use).
func (g *Gateway) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	userID := UserIDFromContext(r.Context())
	if err := g.requireSessionOwner(r.Context(), sessionID, userID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, coreerr.Wrap(coreerr.ValidationError, "missing multipart file field", err))
		return
	}
	defer file.Close()

	datasetID := domain.DatasetID(uuid.NewString())
	location := string(sessionID) + "/" + string(datasetID)
	byteSize, err := g.blobs.Put(r.Context(), location, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	handle, err := domain.NewDatasetHandle(
		datasetID, sessionID, header.Filename, userID, byteSize,
		header.Header.Get("Content-Type"), location, time.Now(),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := g.store.PutDataset(r.Context(), handle); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, uploadDatasetResponse{DatasetID: datasetID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Kind    coreerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Kind: coreerr.KindOf(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch coreerr.KindOf(err) {
	case coreerr.ValidationError:
		return http.StatusBadRequest
	case coreerr.TeamNotFound, coreerr.PlanNotFound, coreerr.SessionNotFound:
		return http.StatusNotFound
	case coreerr.ConflictError:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
