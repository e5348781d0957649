// Conversation HTTP handlers.
//
// This file exposes the REST surface for direct-message conversations:
//   - POST /conversations/select            (resolve a peer, return full history)
//   - GET  /conversations                   (paginated roster of summaries)
//   - GET  /conversations/{id}/messages     (history, ETag + after_seq support)
//   - POST /conversations/{id}/messages     (append a message)
//   - POST /conversations/{id}/typing       (best-effort typing notice)
//
// Handlers are transport-thin: they validate and normalize inputs, delegate to
// the message service, and translate sentinel errors into HTTP responses.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), POST messages returns the
// recorded message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-dm-backend/internal/domain"
	"github.com/tbourn/go-dm-backend/internal/http/middleware"
	"github.com/tbourn/go-dm-backend/internal/repo"
	"github.com/tbourn/go-dm-backend/internal/services"
	"github.com/tbourn/go-dm-backend/internal/sysutil"
	"github.com/tbourn/go-dm-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// DMService defines the message-store operations consumed by HTTP handlers.
//
// Implementations must be safe for concurrent use and honor the provided
// context for cancellation and timeouts.
type DMService interface {
	// Send validates, commits, and fans out a direct message.
	Send(ctx context.Context, senderID, receiverID, body string) (*domain.Message, error)
	// Select resolves the pair conversation with peerID and returns its history.
	Select(ctx context.Context, userID, peerID string) (*services.HistoryResult, error)
	// History returns messages after afterSeq in ascending sequence order.
	History(ctx context.Context, conversationID, requestingUserID string, afterSeq int64, limit int) ([]domain.Message, error)
	// HistoryPage returns a page of messages and the total count.
	HistoryPage(ctx context.Context, conversationID, requestingUserID string, page, pageSize int) ([]domain.Message, int64, error)
	// Summaries returns the user's conversation roster, most recent first.
	Summaries(ctx context.Context, userID string, page, pageSize int) ([]domain.ConversationSummary, int64, error)
	// Typing emits a best-effort typing notice to the peer.
	Typing(userID, conversationID string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for conversations and messages. It
// depends on the DMService interface to keep transport concerns separate
// from business logic.
type Handlers struct {
	svc DMService
}

// New constructs a Handlers instance bound to the given service.
func New(svc DMService) *Handlers {
	return &Handlers{svc: svc}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to the "X-User-ID" header, and finally
// to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	var fromCtx string
	if v, ok := c.Get("userID"); ok {
		fromCtx, _ = v.(string)
	}
	return sysutil.FirstNonEmpty(fromCtx, c.GetHeader("X-User-ID"), "demo-user")
}

//
// DTOs
//

// SelectConversationRequest is the JSON payload for selecting a peer.
type SelectConversationRequest struct {
	// PeerID identifies the other participant. Must differ from the caller.
	PeerID string `json:"peer_id" binding:"required,min=1" example:"user456"`
}

// PostMessageRequest is the JSON payload for sending a direct message.
//
// Body is normalized by the service (Unicode NFC, surrounding whitespace
// trimmed) before persistence; a maximum rune count is enforced there too.
type PostMessageRequest struct {
	Body string `json:"body" example:"see you at 9"`
}

// PostMessageResponse is the JSON envelope for a newly committed message.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps a page of conversation summaries.
type ListConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
	Pagination    Pagination                   `json:"pagination"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// MessagesAfterResponse contains the messages newer than a client cursor.
type MessagesAfterResponse struct {
	Messages []domain.Message `json:"messages"`
	AfterSeq int64            `json:"after_seq"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failService translates service sentinel errors into HTTP responses. The
// fallbackCode is used for unclassified errors (500).
func failService(c *gin.Context, err error, fallbackCode string) {
	switch err {
	case services.ErrNotParty:
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant of this conversation")
	case services.ErrSelfMessage:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cannot message yourself")
	case services.ErrBadUser:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
	case services.ErrEmptyBody:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
	case services.ErrTooLong:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body too long")
	case services.ErrStoreTimeout:
		fail(c, http.StatusGatewayTimeout, ErrCodeStoreTimeout, "message store timed out")
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

// serviceDB exposes the concrete service's DB handle for read-path extras
// (ETag stats, idempotency records). Nil when the service is a test double.
func (h *Handlers) serviceDB() *gorm.DB {
	if svc, ok := h.svc.(*services.MessageService); ok {
		return svc.DB
	}
	return nil
}

//
// Handlers
//

// SelectConversation godoc
// @ID          selectConversation
// @Summary     Select a peer and load the conversation
// @Description Resolves the canonical conversation with the given peer and returns its full history.
// @Description Selecting the same pair from either side yields the same conversation.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.SelectConversationRequest  true  "Peer selection payload"
//
// @Success     200  {object}  services.HistoryResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/select [post]
func (h *Handlers) SelectConversation(c *gin.Context) {
	var req SelectConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "peer_id required")
		return
	}

	res, err := h.svc.Select(c.Request.Context(), userID(c), strings.TrimSpace(req.PeerID))
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, res)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Returns a page of the user's conversation summaries, most recently active first.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       page       query   int     false "Page number"            minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"         minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	uid := userID(c)
	page, pageSize := clampPagination(c)

	items, total, err := h.svc.Summaries(c.Request.Context(), uid, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns conversation history in ascending sequence order.
// @Description With after_seq set, returns only messages newer than that cursor (used for reconciliation);
// @Description otherwise returns a standard page. Supports weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       id             path    string  true  "Conversation ID"
// @Param       after_seq      query   int     false "Return messages with seq greater than this"  minimum(0)
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")

	if _, _, valid := domain.PairOf(convID); !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid conversation id")
		return
	}
	// Party check before any conversation metadata (ETag included) leaves
	// the process: pair keys are guessable, so stats must not leak.
	if !domain.IsParty(convID, userID(c)) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant of this conversation")
		return
	}

	// ETag pre-check (best effort).
	if db := h.serviceDB(); db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, db, convID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, convID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	// Cursor mode: everything after a known sequence number.
	if raw := c.Query("after_seq"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "after_seq must be a non-negative integer")
			return
		}
		items, err := h.svc.History(ctx, convID, userID(c), after, 0)
		if err != nil {
			failService(c, err, ErrCodeListFailed)
			return
		}
		ok(c, http.StatusOK, MessagesAfterResponse{Messages: items, AfterSeq: after})
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.svc.HistoryPage(ctx, convID, userID(c), page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a direct message
// @Description Commits a message to the conversation and fans it out to connected participants.
// @Description A blank body is accepted and ignored (204). Supports idempotency via the
// @Description Idempotency-Key header (same key within the TTL → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       id               path    string  true  "Conversation ID"
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
//
// @Success     201  {object}  handlers.PostMessageResponse  "Committed message"
// @Success     204  {string}  string "Blank body ignored"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse "Not a participant"
// @Failure     504  {object}  handlers.ErrorResponse "Store timeout"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	currentUser := userID(c)

	a, b, valid := domain.PairOf(convID)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid conversation id")
		return
	}
	if !domain.IsParty(convID, currentUser) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant of this conversation")
		return
	}
	receiver := a
	if receiver == currentUser {
		receiver = b
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// Blank submits are ignored rather than rejected.
	if strings.TrimSpace(req.Body) == "" {
		noContent(c)
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if db := h.serviceDB(); db != nil {
			if rec, err := repo.GetIdempotency(ctx, db, currentUser, convID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(ctx, db, rec.MessageID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusCreated, PostMessageResponse{Message: prev})
					return
				}
			}
		}
	}

	m, err := h.svc.Send(ctx, currentUser, receiver, req.Body)
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if db := h.serviceDB(); db != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, db, currentUser, convID, idemKey, m.ID, http.StatusCreated, ttl)
		}
	}

	ok(c, http.StatusCreated, PostMessageResponse{Message: m})
}

// PostTyping godoc
// @ID          postTyping
// @Summary     Signal typing
// @Description Emits a best-effort typing notice to connected participants. Never persisted.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Conversation ID"
//
// @Success     202  {string} string "Accepted"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Router      /conversations/{id}/typing [post]
func (h *Handlers) PostTyping(c *gin.Context) {
	convID := c.Param("id")
	if _, _, valid := domain.PairOf(convID); !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid conversation id")
		return
	}

	if err := h.svc.Typing(userID(c), convID); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	accepted(c)
}
