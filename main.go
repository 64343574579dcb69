package main

import (
	"fmt"
	"log"
	"os"
	_ "waitline/docs"
	"waitline/internal/assign"
	"waitline/internal/auth"
	"waitline/internal/businessday"
	"waitline/internal/fanout"
	"waitline/internal/handlers"
	"waitline/internal/schedule"
	"waitline/internal/service"
	"waitline/internal/storage"
	"waitline/internal/tasks"
	"waitline/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @Title						Онлайн очередь точек обслуживания
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
func main() {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load()
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectDatabase()

	if err := storage.Migrate(storage.DB); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}

	storage.InitRedis()

	store := storage.NewGormStore(storage.DB, storage.NewSettingsCache(storage.RedisClient))

	manager := fanout.NewManager()
	bus := service.NewBus(manager)
	defer bus.Close()

	engine := assign.NewEngine(store, schedule.NewCalendar(store))
	days := businessday.NewService(store)
	svc := service.NewRegistrationService(store, engine, days, bus)

	h := handlers.NewHandler(store, svc, days, engine, manager)
	stream := ws.NewHandler(manager, store)

	tasks.InitScheduler(tasks.NewPlanner(store, manager))

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", handlers.Login)
		authGroup.POST("/register", handlers.RegisterStaff)
		authGroup.POST("/refresh", handlers.RefreshToken)
	}

	public := r.Group("/api")
	{
		// Самостоятельная регистрация посетителей и табло.
		public.POST("/locations/:id/entries", h.RegisterEntry)
		public.GET("/locations/:id/entries", h.QueueSnapshot)
		public.GET("/locations/:id/stream", stream.Stream)
	}

	staff := r.Group("/api", auth.AuthMiddleware())
	{
		staff.POST("/entries/:id/status", h.TransitionEntry)
		staff.POST("/entries/:id/move", h.MoveEntry)
		staff.POST("/entries/:id/placeholder", h.InsertPlaceholder)
	}

	admin := r.Group("/api", auth.AuthMiddleware(), auth.AdminOnly())
	{
		admin.POST("/locations/:id/sessions", h.CreateSession)
		admin.POST("/sessions/:id/close", h.CloseSession)
		admin.POST("/sessions/:id/reopen", h.ReopenSession)
		admin.POST("/locations/:id/day/open", h.OpenDay)
		admin.POST("/locations/:id/day/close", h.CloseDay)
		admin.GET("/locations/:id/connections", h.Connections)
		admin.DELETE("/locations/:id/connections/:connID", h.DropConnection)
	}

	if err := r.Run(":8080"); err != nil {
		log.Fatal("Ошибка запуска сервера...", err.Error())
	}
}
