package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/annel0/mineworlds/internal/auth"
	"github.com/annel0/mineworlds/internal/logging"
	"github.com/annel0/mineworlds/internal/middleware"
	"github.com/annel0/mineworlds/internal/mines"
	"github.com/annel0/mineworlds/internal/provision"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/worlds"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var log = logging.GetComponentLogger("api")

// RestServer административный REST API сервера миров
type RestServer struct {
	router  *gin.Engine
	server  *http.Server
	worlds  *worlds.Service
	issuer  *auth.Issuer
	admin   auth.AdminCredentials
	metrics *ServerMetrics
	wait    time.Duration
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr        string                // адрес, например ":8088"
	Worlds      *worlds.Service       // фасад подсистемы миров
	Issuer      *auth.Issuer          // выпуск и проверка JWT
	Admin       auth.AdminCredentials // учётная запись администратора
	Registry    *prometheus.Registry  // метрики для /metrics
	BuildWait   time.Duration         // сколько ждать сборку в запросе
	ServiceName string
}

// NewRestServer создает новый REST API сервер
func NewRestServer(cfg Config) *RestServer {
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.BuildWait <= 0 {
		cfg.BuildWait = 10 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mineworlds"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// === Observability middleware ===
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.NewRequestLogger("/health", "/metrics").Handler())
	promMw := middleware.NewPrometheusMiddleware("rest_api", cfg.Registry)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	rs := &RestServer{
		router:  router,
		worlds:  cfg.Worlds,
		issuer:  cfg.Issuer,
		admin:   cfg.Admin,
		metrics: NewServerMetrics(),
		wait:    cfg.BuildWait,
	}
	rs.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rs.setupRoutes()
	return rs
}

// Handler для httptest
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.POST("/auth/login", rs.handleLogin)

	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware(), rs.adminMiddleware())
	{
		protected.GET("/server", rs.handleServerInfo)

		protected.GET("/worlds", rs.handleListWorlds)
		protected.POST("/worlds/:name/provision", rs.handleProvisionWorld)
		protected.DELETE("/worlds/:name", rs.handleRemoveWorld)

		protected.GET("/players/:id/world", rs.handleGetPlayerWorld)
		protected.POST("/players/:id/teleport", rs.handleTeleportPlayer)

		protected.GET("/mines", rs.handleListMines)
		protected.GET("/mines/:owner", rs.handleGetMine)
		protected.POST("/mines/:owner/reload", rs.handleReloadMine)
		protected.POST("/mines/:owner/blocks-broken", rs.handleBlocksBroken)
	}
}

// Start запускает HTTP сервер в отдельной горутине
func (rs *RestServer) Start() {
	go func() {
		log.Info("🌐 REST API запущен на %s", rs.server.Addr)
		if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Ошибка REST API сервера: %v", err)
		}
	}()
}

// Shutdown плавно останавливает сервер
func (rs *RestServer) Shutdown(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse представляет ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, GenericResponse{Success: true, Message: message, Data: data})
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"worlds": len(rs.worlds.ListWorlds()),
		"uptime": rs.metrics.GetUptime(),
	})
}

func (rs *RestServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Неверный формат запроса"})
		return
	}
	if !rs.admin.Verify(req.Username, req.Password) {
		log.Warn("Неудачный вход: %s ip=%s", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Неверное имя пользователя или пароль"})
		return
	}
	token, err := rs.issuer.Generate(req.Username, true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Ошибка генерации токена"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Success: true, Token: token, Message: "Успешная авторизация"})
}

func (rs *RestServer) handleServerInfo(c *gin.Context) {
	ok(c, http.StatusOK, "Информация о сервере", gin.H{
		"process":         rs.metrics.Snapshot(),
		"worlds":          len(rs.worlds.ListWorlds()),
		"tracked_players": rs.worlds.TrackedPlayers(),
		"mines":           len(rs.worlds.Mines().List()),
	})
}

func (rs *RestServer) handleListWorlds(c *gin.Context) {
	list := rs.worlds.ListWorlds()
	ok(c, http.StatusOK, "Список миров", gin.H{"worlds": list, "total": len(list)})
}

// awaitBuild ждёт Future в пределах rs.wait; сборка продолжается и после таймаута
func (rs *RestServer) awaitBuild(c *gin.Context, f *registry.Future) (*registry.WorldInstance, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), rs.wait)
	defer cancel()
	return f.Wait(ctx)
}

// buildError переводит ошибку сборки в HTTP-ответ
func buildError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schematic.ErrTemplateNotFound):
		abort(c, http.StatusNotFound, "Шаблон не найден")
	case errors.Is(err, provision.ErrBuildTimeout):
		abort(c, http.StatusGatewayTimeout, "Сборка мира не уложилась во время")
	case errors.Is(err, provision.ErrEngineInstanceCreationFailed):
		abort(c, http.StatusBadGateway, "Не удалось создать мир")
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusAccepted, GenericResponse{Success: true, Message: "Мир ещё собирается"})
	default:
		abort(c, http.StatusInternalServerError, err.Error())
	}
}

func instanceInfo(inst *registry.WorldInstance) gin.H {
	return gin.H{
		"name":      inst.Name,
		"template":  inst.Template.Name(),
		"handle":    string(inst.Handle),
		"spawn":     inst.Spawn(),
		"occupants": inst.OccupantCount(),
	}
}

func (rs *RestServer) handleProvisionWorld(c *gin.Context) {
	var req struct {
		Template string `json:"template"`
	}
	_ = c.ShouldBindJSON(&req)
	name := c.Param("name")
	if req.Template == "" {
		req.Template = name
	}

	inst, err := rs.awaitBuild(c, rs.worlds.ProvisionWorld(name, req.Template))
	if err != nil {
		buildError(c, err)
		return
	}
	ok(c, http.StatusCreated, "Мир готов", instanceInfo(inst))
}

func (rs *RestServer) handleRemoveWorld(c *gin.Context) {
	name := c.Param("name")
	inst, removed, err := rs.worlds.RemoveWorld(c.Request.Context(), name)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		abort(c, http.StatusNotFound, "Мир не загружен")
		return
	}
	ok(c, http.StatusOK, "Мир выгружен", gin.H{"name": name, "handle": string(inst.Handle)})
}

func (rs *RestServer) handleGetPlayerWorld(c *gin.Context) {
	id := c.Param("id")
	world, found := rs.worlds.GetPlayerWorld(id)
	if !found {
		abort(c, http.StatusNotFound, "Игрок не привязан к миру")
		return
	}
	ok(c, http.StatusOK, "Мир игрока", gin.H{"player": id, "world": world})
}

func (rs *RestServer) handleTeleportPlayer(c *gin.Context) {
	var req struct {
		World string `json:"world" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	id := c.Param("id")
	if err := rs.worlds.TeleportToWorld(c.Request.Context(), id, req.World); err != nil {
		if errors.Is(err, worlds.ErrWorldNotLoaded) {
			abort(c, http.StatusNotFound, "Мир не загружен")
			return
		}
		abort(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, http.StatusOK, "Игрок перемещён", gin.H{"player": id, "world": req.World})
}

func (rs *RestServer) handleListMines(c *gin.Context) {
	list := rs.worlds.Mines().List()
	ok(c, http.StatusOK, "Список шахт", gin.H{"mines": list, "total": len(list)})
}

func (rs *RestServer) mineOr404(c *gin.Context) (*mines.PrivateMine, bool) {
	mine, found := rs.worlds.Mines().Get(c.Param("owner"))
	if !found {
		abort(c, http.StatusNotFound, "Шахта не найдена")
	}
	return mine, found
}

func (rs *RestServer) handleGetMine(c *gin.Context) {
	mine, found := rs.mineOr404(c)
	if !found {
		return
	}
	data := gin.H{"mine": mine.Snapshot()}
	if status, tracked := rs.worlds.Scheduler().Status(mine.WorldName()); tracked {
		data["regen"] = status
	}
	ok(c, http.StatusOK, "Шахта", data)
}

func (rs *RestServer) handleReloadMine(c *gin.Context) {
	mine, found := rs.mineOr404(c)
	if !found {
		return
	}
	inst, err := rs.awaitBuild(c, rs.worlds.ReloadMine(mine))
	if err != nil {
		buildError(c, err)
		return
	}
	ok(c, http.StatusOK, "Шахта перезагружена", instanceInfo(inst))
}

func (rs *RestServer) handleBlocksBroken(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Count <= 0 {
		req.Count = 1
	}
	mine, found := rs.mineOr404(c)
	if !found {
		return
	}
	// больше блоков, чем в шахте, сломать нельзя; несобранная шахта отчёты не принимает
	limit := 0
	if status, tracked := rs.worlds.Scheduler().Status(mine.WorldName()); tracked {
		limit = int(status.TotalBlocks)
	}
	if req.Count > limit {
		req.Count = limit
	}

	triggered := false
	for i := 0; i < req.Count; i++ {
		if rs.worlds.ReportBlockBroken(mine.WorldName()) {
			triggered = true
		}
	}
	ok(c, http.StatusOK, "Учтено", gin.H{"count": req.Count, "regeneration_started": triggered})
}
