// scriptqd is the script-generation task service: it accepts idempotent
// submissions over HTTP, runs them on the asynq worker pool, and serves the
// polling endpoint. The generation handler here is a stand-in; the real
// model-calling logic is pluggable and owned elsewhere.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mohans/scriptq/config"
	"github.com/mohans/scriptq/idemq"
)

const taskKind = "script:generate"

type submitBody struct {
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	WorkflowID     string          `json:"workflow_id"`
	Payload        json.RawMessage `json:"payload"`
}

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel)

	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("open database: " + err.Error())
	}
	defer db.Close()
	if _, err := db.Exec(idemq.SQLTaskStoreSchema); err != nil {
		log.Fatal("apply task ledger schema: " + err.Error())
	}

	var keys idemq.KeyStore
	switch cfg.KeyStore {
	case "redis":
		keys = idemq.NewRedisKeyStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	default:
		if _, err := db.Exec(idemq.SQLKeyStoreSchema); err != nil {
			log.Fatal("apply key store schema: " + err.Error())
		}
		keys = idemq.NewSQLKeyStore(db)
	}

	locks := idemq.NewLockManager(keys, cfg.LockTimeout, log)
	ledger := idemq.NewSQLTaskStore(db)
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	client := idemq.NewClient(redisOpt, locks, ledger, log, idemq.ClientOptions{
		Queue:    cfg.Queue,
		TaskKind: taskKind,
	})
	defer client.Close()

	processor := idemq.NewProcessor(redisOpt, locks, ledger, log, idemq.ProcessorConfig{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
	})
	processor.Handle(taskKind, generateScript)
	go func() {
		if err := processor.Start(); err != nil {
			log.Fatal("processor: " + err.Error())
		}
	}()
	defer processor.Shutdown()

	queries := idemq.NewQueryService(ledger)

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/scripts", func(c *gin.Context) {
		var body submitBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing idempotency_key"})
			return
		}
		receipt, err := client.Submit(c.Request.Context(), idemq.SubmitRequest{
			IdempotencyKey: body.IdempotencyKey,
			WorkflowID:     body.WorkflowID,
			Payload:        body.Payload,
		})
		switch {
		case errors.Is(err, idemq.ErrMissingIdempotencyKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing idempotency_key"})
			return
		case errors.Is(err, idemq.ErrStoreUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key store unavailable"})
			return
		case err != nil:
			log.WithField("key", body.IdempotencyKey).Error("submit: " + err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"accepted":   true,
			"task_id":    receipt.TaskID,
			"status_url": "/v1/tasks/" + receipt.TaskID,
		})
	})

	r.GET("/v1/tasks/:id", func(c *gin.Context) {
		report, err := queries.Query(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, idemq.ErrUnknownTask):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		case err != nil:
			log.WithField("task_id", c.Param("id")).Error("query: " + err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "keystore": cfg.KeyStore}).Info("scriptqd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server: " + err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	srv.Shutdown(context.Background())
}

// generateScript is the placeholder business handler. It sketches a
// three-scene outline from the prompt so the pipeline is exercisable end to
// end without a hosted model.
func generateScript(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("empty prompt")
	}
	out := map[string]any{
		"title": req.Prompt,
		"scenes": []string{
			"Scene 1: " + req.Prompt,
			"Scene 2: development",
			"Scene 3: resolution",
		},
	}
	return json.Marshal(out)
}
