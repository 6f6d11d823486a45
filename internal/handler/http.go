package handler

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
	"github.com/royengg/yunami-bot/internal/service"
)

// EngineHandler обрабатывает HTTP запросы движка и групп.
type EngineHandler struct {
	engine  *service.EngineService
	parties *service.PartyRegistry
	logger  *zap.Logger
}

// NewEngineHandler создает новый EngineHandler.
func NewEngineHandler(engine *service.EngineService, parties *service.PartyRegistry, logger *zap.Logger) *EngineHandler {
	return &EngineHandler{
		engine:  engine,
		parties: parties,
		logger:  logger.Named("EngineHandler"),
	}
}

// RegisterRoutes регистрирует маршруты движка.
func (h *EngineHandler) RegisterRoutes(e *echo.Echo) {
	partiesGroup := e.Group("/api/parties")
	{
		partiesGroup.POST("", h.createParty)
		partiesGroup.POST("/join-by-code", h.joinByCode)
		partiesGroup.GET("/:id", h.getParty)
		partiesGroup.POST("/:id/join", h.joinParty)
		partiesGroup.POST("/:id/ready", h.setReady)
		partiesGroup.POST("/:id/role", h.setRole)
		partiesGroup.POST("/:id/leave", h.leaveParty)
		partiesGroup.POST("/:id/start", h.startStory)
	}

	engineGroup := e.Group("/api/engine")
	{
		engineGroup.POST("/solo", h.startSolo)
		engineGroup.POST("/input", h.submitInput)
		engineGroup.POST("/continue", h.continueStory)
		engineGroup.POST("/end", h.endSession)
		engineGroup.GET("/state/:participantID", h.getState)
	}
}

// handleServiceError переводит ошибки сервисов в HTTP статусы.
func handleServiceError(c echo.Context, err error) error {
	var statusCode int
	switch {
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrStoryNotFound),
		errors.Is(err, models.ErrNodeNotFound),
		errors.Is(err, models.ErrPartyNotFound),
		errors.Is(err, models.ErrInviteCodeNotFound),
		errors.Is(err, models.ErrChoiceNotFound),
		errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, models.ErrChoiceLocked),
		errors.Is(err, models.ErrAlreadyVoted),
		errors.Is(err, models.ErrAlreadyInParty),
		errors.Is(err, models.ErrPartyFull),
		errors.Is(err, models.ErrPartyNotAcceptingMembers),
		errors.Is(err, models.ErrPartyAlreadyStarted),
		errors.Is(err, models.ErrRoleTaken):
		statusCode = http.StatusConflict
	case errors.Is(err, models.ErrRoleActionForbidden),
		errors.Is(err, models.ErrOnlyLeaderMayStart),
		errors.Is(err, models.ErrOnlyLeaderMayResolve):
		statusCode = http.StatusForbidden
	case errors.Is(err, models.ErrPreconditionFailed),
		errors.Is(err, models.ErrInsufficientResource),
		errors.Is(err, models.ErrPartyNotReady),
		errors.Is(err, models.ErrPartyTooSmall),
		errors.Is(err, models.ErrNotInParty),
		errors.Is(err, models.ErrInvalidNodeConfig),
		errors.Is(err, models.ErrInvalidInput):
		statusCode = http.StatusBadRequest
	default:
		return c.JSON(http.StatusInternalServerError, APIError{Message: "Internal server error"})
	}
	return c.JSON(statusCode, APIError{Message: err.Error()})
}

func parsePartyID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

// --- Группы --- //

func (h *EngineHandler) createParty(c echo.Context) error {
	var req createPartyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if req.ParticipantID == "" {
		return c.JSON(http.StatusBadRequest, APIError{Message: "participantId is required"})
	}
	party, err := h.parties.Create(c.Request().Context(), req.ParticipantID, req.DisplayName, req.Name, req.MaxSize)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, party)
}

func (h *EngineHandler) getParty(c echo.Context) error {
	partyID, err := parsePartyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid party ID"})
	}
	party, err := h.parties.Get(partyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, party)
}

func (h *EngineHandler) joinParty(c echo.Context) error {
	partyID, err := parsePartyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid party ID"})
	}
	var req joinPartyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	party, err := h.parties.Join(partyID, req.ParticipantID, req.DisplayName)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, party)
}

func (h *EngineHandler) joinByCode(c echo.Context) error {
	var req joinByCodeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if req.Code == "" {
		return c.JSON(http.StatusBadRequest, APIError{Message: "code is required"})
	}
	party, err := h.parties.JoinByCode(c.Request().Context(), req.Code, req.ParticipantID, req.DisplayName)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, party)
}

func (h *EngineHandler) setReady(c echo.Context) error {
	partyID, err := parsePartyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid party ID"})
	}
	var req setReadyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if err := h.parties.SetReady(partyID, req.ParticipantID, req.Ready); err != nil {
		return handleServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EngineHandler) setRole(c echo.Context) error {
	partyID, err := parsePartyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid party ID"})
	}
	var req setRoleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if err := h.parties.SetRole(partyID, req.ParticipantID, req.Role); err != nil {
		return handleServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EngineHandler) leaveParty(c echo.Context) error {
	partyID, err := parsePartyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid party ID"})
	}
	var req leavePartyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	party, err := h.parties.Leave(partyID, req.ParticipantID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, party)
}

func (h *EngineHandler) startStory(c echo.Context) error {
	partyID, err := parsePartyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid party ID"})
	}
	var req startStoryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	payload, err := h.engine.StartPartyStory(c.Request().Context(), partyID, req.ParticipantID, req.StoryID)
	if err != nil {
		h.logStartError(req.ParticipantID, err)
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

// --- Движок --- //

func (h *EngineHandler) startSolo(c echo.Context) error {
	var req startSoloRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if req.ParticipantID == "" || req.StoryID == "" {
		return c.JSON(http.StatusBadRequest, APIError{Message: "participantId and storyId are required"})
	}
	payload, err := h.engine.StartSoloStory(c.Request().Context(), req.ParticipantID, req.StoryID)
	if err != nil {
		h.logStartError(req.ParticipantID, err)
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *EngineHandler) submitInput(c echo.Context) error {
	var req engineInputRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if req.ParticipantID == "" {
		return c.JSON(http.StatusBadRequest, APIError{Message: "participantId is required"})
	}
	payload, err := h.engine.SubmitInput(c.Request().Context(), req.ParticipantID, service.InputPayload{
		ChoiceID:     req.ChoiceID,
		SelectValues: req.SelectValues,
		RoleAction:   req.RoleAction,
	})
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *EngineHandler) continueStory(c echo.Context) error {
	var req continueRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	payload, err := h.engine.Continue(c.Request().Context(), req.ParticipantID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *EngineHandler) endSession(c echo.Context) error {
	var req endSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if err := h.engine.EndSession(c.Request().Context(), req.ParticipantID); err != nil {
		return handleServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EngineHandler) getState(c echo.Context) error {
	participantID := c.Param("participantID")
	payload, err := h.engine.RenderCurrent(c.Request().Context(), participantID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *EngineHandler) logStartError(participantID string, err error) {
	// Стандартные ошибки клиентские, логируем только неожиданные.
	if !errors.Is(err, models.ErrStoryNotFound) &&
		!errors.Is(err, models.ErrPartyNotFound) &&
		!errors.Is(err, models.ErrPartyNotReady) &&
		!errors.Is(err, models.ErrPartyTooSmall) &&
		!errors.Is(err, models.ErrOnlyLeaderMayStart) &&
		!errors.Is(err, models.ErrPartyAlreadyStarted) {
		h.logger.Error("Error starting story (unhandled)",
			zap.String("participantID", participantID), zap.Error(err))
	}
}
