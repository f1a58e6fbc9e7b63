package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
	"github.com/fairyhunter13/broadcast-hub/internal/service/ratelimiter"
	"github.com/fairyhunter13/broadcast-hub/internal/usecase"
)

// createBroadcastBucket is the limiter bucket guarding broadcast creation.
const createBroadcastBucket = "create-broadcast"

// Server bundles the handlers' dependencies.
type Server struct {
	Broadcasts *usecase.BroadcastService
	Conns      *usecase.ConnectionManager
	Dlt        *usecase.DltService
	Limiter    ratelimiter.Limiter

	SSEIdleTimeout time.Duration

	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(broadcasts *usecase.BroadcastService, conns *usecase.ConnectionManager, dlt *usecase.DltService, limiter ratelimiter.Limiter, sseIdleTimeout time.Duration) *Server {
	return &Server{
		Broadcasts:     broadcasts,
		Conns:          conns,
		Dlt:            dlt,
		Limiter:        limiter,
		SSEIdleTimeout: sseIdleTimeout,
		validate:       validator.New(),
	}
}

type createBroadcastRequest struct {
	Content     string     `json:"content" validate:"required,min=1,max=10000"`
	SenderName  string     `json:"senderName" validate:"required,max=200"`
	TargetType  string     `json:"targetType" validate:"required,oneof=ALL SELECTED ROLE"`
	TargetIDs   []string   `json:"targetIds" validate:"omitempty,dive,required"`
	Priority    string     `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
	Category    string     `json:"category" validate:"omitempty,max=100"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type broadcastResponse struct {
	ID          int64      `json:"id"`
	SenderID    string     `json:"senderId"`
	SenderName  string     `json:"senderName"`
	Content     string     `json:"content"`
	TargetType  string     `json:"targetType"`
	TargetIDs   []string   `json:"targetIds,omitempty"`
	Priority    string     `json:"priority"`
	Category    string     `json:"category,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func toBroadcastResponse(b domain.Broadcast) broadcastResponse {
	return broadcastResponse{
		ID:          b.ID,
		SenderID:    b.SenderID,
		SenderName:  b.SenderName,
		Content:     b.Content,
		TargetType:  string(b.TargetType),
		TargetIDs:   b.TargetIDs,
		Priority:    b.Priority,
		Category:    b.Category,
		ScheduledAt: b.ScheduledAt,
		ExpiresAt:   b.ExpiresAt,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

// CreateBroadcast handles POST /v1/admin/broadcasts.
func (s *Server) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.allowCreate(w, r) {
		return
	}
	var req createBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed json", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = "NORMAL"
	}
	created, err := s.Broadcasts.Create(r.Context(), domain.Broadcast{
		SenderID:    UserID(r),
		SenderName:  req.SenderName,
		Content:     req.Content,
		TargetType:  domain.TargetType(req.TargetType),
		TargetIDs:   req.TargetIDs,
		Priority:    priority,
		Category:    req.Category,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toBroadcastResponse(created))
}

// allowCreate applies the shared token-bucket guard. Fails open when the
// limiter backend errors.
func (s *Server) allowCreate(w http.ResponseWriter, r *http.Request) bool {
	if s.Limiter == nil {
		return true
	}
	allowed, retryAfter, err := s.Limiter.Allow(r.Context(), createBroadcastBucket, 1)
	if err != nil || allowed {
		return true
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	}
	writeError(w, r, fmt.Errorf("%w: broadcast creation budget exhausted", domain.ErrRateLimited), nil)
	return false
}

// CancelBroadcast handles POST /v1/admin/broadcasts/{id}/cancel.
func (s *Server) CancelBroadcast(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.Broadcasts.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListBroadcasts handles GET /v1/admin/broadcasts?filter=all|active|scheduled.
func (s *Server) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	filter := domain.BroadcastFilter(r.URL.Query().Get("filter"))
	if filter == "" {
		filter = domain.FilterAll
	}
	switch filter {
	case domain.FilterAll, domain.FilterActive, domain.FilterScheduled:
	default:
		writeError(w, r, fmt.Errorf("%w: filter %q", domain.ErrInvalidArgument, filter), nil)
		return
	}
	list, err := s.Broadcasts.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]broadcastResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toBroadcastResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"broadcasts": out})
}

type deliveryResponse struct {
	ID             string     `json:"id"`
	BroadcastID    int64      `json:"broadcastId"`
	UserID         string     `json:"userId"`
	DeliveryStatus string     `json:"deliveryStatus"`
	ReadStatus     string     `json:"readStatus"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// GetDeliveries handles GET /v1/admin/broadcasts/{id}/deliveries.
func (s *Server) GetDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rows, stats, err := s.Broadcasts.Deliveries(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]deliveryResponse, 0, len(rows))
	for _, ub := range rows {
		out = append(out, deliveryResponse{
			ID:             ub.ID,
			BroadcastID:    ub.BroadcastID,
			UserID:         ub.UserID,
			DeliveryStatus: string(ub.DeliveryStatus),
			ReadStatus:     string(ub.ReadStatus),
			DeliveredAt:    ub.DeliveredAt,
			ReadAt:         ub.ReadAt,
			CreatedAt:      ub.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": out,
		"statistics": map[string]any{
			"totalTargeted":  stats.TotalTargeted,
			"totalDelivered": stats.TotalDelivered,
			"totalRead":      stats.TotalRead,
			"totalFailed":    stats.TotalFailed,
			"calculatedAt":   stats.CalculatedAt,
		},
	})
}

// ConnectionStats handles GET /v1/admin/connections/stats.
func (s *Server) ConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Conns.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type dltResponse struct {
	ID                string    `json:"id"`
	OriginalTopic     string    `json:"originalTopic"`
	OriginalPartition int32     `json:"originalPartition"`
	OriginalOffset    int64     `json:"originalOffset"`
	ExceptionMessage  string    `json:"exceptionMessage"`
	Payload           string    `json:"payload"`
	FailedAt          time.Time `json:"failedAt"`
}

// ListDlt handles GET /v1/admin/dlt.
func (s *Server) ListDlt(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	recs, err := s.Dlt.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]dltResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, dltResponse{
			ID:                rec.ID,
			OriginalTopic:     rec.OriginalTopic,
			OriginalPartition: rec.OriginalPartition,
			OriginalOffset:    rec.OriginalOffset,
			ExceptionMessage:  rec.ExceptionMessage,
			Payload:           string(rec.Payload),
			FailedAt:          rec.FailedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// RedriveDlt handles POST /v1/admin/dlt/{id}/redrive.
func (s *Server) RedriveDlt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Dlt.Redrive(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "redriven"})
}

// DeleteDlt handles DELETE /v1/admin/dlt/{id}.
func (s *Server) DeleteDlt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Dlt.Delete(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgeDlt handles POST /v1/admin/dlt/{id}/purge.
func (s *Server) PurgeDlt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Dlt.Purge(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

type messageResponse struct {
	ID             string     `json:"id"`
	BroadcastID    int64      `json:"broadcastId"`
	Content        string     `json:"content"`
	SenderName     string     `json:"senderName"`
	Priority       string     `json:"priority"`
	Category       string     `json:"category,omitempty"`
	DeliveryStatus string     `json:"deliveryStatus"`
	ReadStatus     string     `json:"readStatus"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ListMessages handles GET /v1/messages for the authenticated user.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		writeError(w, r, fmt.Errorf("%w: missing user identity", domain.ErrInvalidArgument), nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.Broadcasts.Messages(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:             m.ID,
			BroadcastID:    m.BroadcastID,
			Content:        m.Content,
			SenderName:     m.SenderName,
			Priority:       m.Priority,
			Category:       m.Category,
			DeliveryStatus: string(m.DeliveryStatus),
			ReadStatus:     string(m.ReadStatus),
			ReadAt:         m.ReadAt,
			CreatedAt:      m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// MarkRead handles POST /v1/messages/{broadcastID}/read.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		writeError(w, r, fmt.Errorf("%w: missing user identity", domain.ErrInvalidArgument), nil)
		return
	}
	broadcastID, ok := pathID(w, r, "broadcastID")
	if !ok {
		return
	}
	if err := s.Broadcasts.MarkRead(r.Context(), userID, broadcastID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, fmt.Errorf("%w: invalid %s", domain.ErrInvalidArgument, name), nil)
		return 0, false
	}
	return id, true
}
