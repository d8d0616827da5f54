package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devconnect/auth"
	"devconnect/chatroom"
	"devconnect/config"
	"devconnect/db"
	"devconnect/teams"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

func rateLimiterrorHandler(c *gin.Context, info ratelimit.Info) {
	c.String(429, "Too many requests. Try again in "+time.Until(info.ResetTime).String())
}

// newRouter wires the roster API and the chat socket onto one engine.
func newRouter(cfg config.Relay, database *sql.DB, presence chatroom.Presence, logger *log.Logger) (*gin.Engine, *chatroom.Hub) {
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	hub := chatroom.NewHub(chatroom.Options{
		Members:         teams.MemberCheck(database),
		Presence:        presence,
		Limiter:         chatroom.NewLimiter(cfg.ChatRateWindow, cfg.ChatRateMax),
		MaxMessageBytes: cfg.MaxMessageBytes,
		Logger:          logger,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	if gin.Mode() != gin.TestMode {
		r.Use(gin.Logger())
	}

	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{Rate: time.Second, Limit: cfg.APIRateLimit})
	r.Use(ratelimit.RateLimiter(store, &ratelimit.Options{ErrorHandler: rateLimiterrorHandler, KeyFunc: keyFunc}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	handler := &teams.Handler{DB: database, Issuer: issuer, Notifier: hub}
	handler.Register(r)

	r.GET("/ws", issuer.Middleware(), hub.HandleSocket)
	r.GET("/api/teams/online/:id", issuer.Middleware(), hub.HandleGetOnline)

	return r, hub
}

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal("Error loading config:", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatal("Error opening database:", err)
	}
	defer db.CloseDB(database)
	if err := db.EnsureSchema(database); err != nil {
		log.Fatal("Error ensuring schema:", err)
	}

	var presence chatroom.Presence
	if cfg.RedisAddr != "" {
		rp, err := chatroom.NewRedisPresence(cfg.RedisAddr)
		if err != nil {
			log.Fatal("Error connecting to redis:", err)
		}
		defer rp.Close()
		presence = rp
		log.Printf("Presence stored in redis at %s", cfg.RedisAddr)
	}

	r, _ := newRouter(cfg, database, presence, log.Default())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("Starting chat relay on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down chat relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("chat relay forced shutdown: %v", err)
	}
}
