// Package api provides the network tracing daemon's HTTP API server
// (§6): Tracing Task CRUD plus a streaming json-lines event subscription,
// fronted by Fiber v2 the same way the teacher's dashboard API was.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/event"
	"github.com/ntracing/ntd/internal/task"
)

// Config is the API server's portion of the daemon config file (§6
// "Persisted state": host/port/cors; the log level is not part of it).
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	CORS bool   `json:"cors"`
}

// Server is the HTTP API server (§6). It maps the Task Registry's
// operations 1:1 onto routes; it owns no state of its own.
type Server struct {
	app      *fiber.App
	registry *task.Registry
	logger   *zap.Logger
	addr     string
}

// errorResponse is the `{message: string}` error shape used by every
// non-2xx response (§6 "Errors use {message: string} JSON").
type errorResponse struct {
	Message string `json:"message"`
}

// rootResponse is GET /'s daemon name/version contract (§6, DESIGN.md
// Open Question decision 3).
type rootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewServer builds the Fiber app and registers every §6 route.
func NewServer(cfg Config, registry *task.Registry, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		StrictRouting:         false,
		DisableStartupMessage: true,
		ReadTimeout:           constants.HTTPReadTimeout,
		WriteTimeout:          constants.HTTPWriteTimeout,
		IdleTimeout:           constants.HTTPIdleTimeout,
	})

	s := &Server{
		app:      app,
		registry: registry,
		logger:   logger,
		addr:     fiberAddr(cfg),
	}

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{Format: "${time} ${status} ${method} ${path} ${latency}\n"}))
	if cfg.CORS {
		app.Use(cors.New(cors.Config{AllowOrigins: "*"}))
	}
	app.Use(compress.New())

	app.Get(constants.PathRoot, s.handleRoot)
	app.Get(constants.PathTracingTasks, s.handleListTasks)
	app.Post(constants.PathTracingTasks, s.handleCreateTask)
	app.Get(constants.PathTracingTasks+"/:id", s.handleGetTask)
	app.Delete(constants.PathTracingTasks+"/:id", s.handleDeleteTask)
	app.Get(constants.PathTracingTasks+"/:id/events", s.handleTaskEvents)

	// Optional websocket transport for the same event stream, for
	// browser-based consumers that can't read a raw json-lines body
	// (§11 domain stack: gofiber/contrib/websocket).
	app.Use(constants.PathTracingTasks+"/:id/events/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(constants.PathTracingTasks+"/:id/events/ws", websocket.New(s.handleTaskEventsWS))

	app.Get(constants.PathHealthz, func(c *fiber.Ctx) error { return c.SendString("ok") })

	return s
}

func fiberAddr(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = constants.DefaultAPIHost
	}
	port := cfg.Port
	if port == 0 {
		port = constants.DefaultAPIPort
	}
	return host + ":" + strconv.Itoa(port)
}

// Start begins listening. Blocks until the listener is closed by Stop.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Stop gracefully shuts down, letting in-flight streaming responses
// observe their request context and exit.
func (s *Server) Stop() error {
	return s.app.ShutdownWithTimeout(constants.APIShutdownTimeout)
}

func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(rootResponse{Name: constants.DaemonName, Version: constants.Version})
}

func (s *Server) handleListTasks(c *fiber.Ctx) error {
	entries := s.registry.List()
	body := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		body = append(body, fiber.Map{"id": e.ID, "options": e.Options})
	}
	return c.JSON(body)
}

func (s *Server) handleCreateTask(c *fiber.Ctx) error {
	var opts task.Options
	if err := json.Unmarshal(c.Body(), &opts); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Message: "malformed task options: " + err.Error()})
	}

	id, err := s.registry.Create(opts)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Message: err.Error()})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"id": id})
}

func (s *Server) handleGetTask(c *fiber.Ctx) error {
	id := c.Params("id")
	t, err := s.registry.Get(id)
	if err != nil {
		return taskErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"id": id, "options": t.Options()})
}

func (s *Server) handleDeleteTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.registry.Remove(id); err != nil {
		return taskErrorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleTaskEvents opens a Subscription on the task's Event Bus and
// streams it as json-lines (§6 event wire format) until the client
// disconnects, at which point the Subscription is closed.
func (s *Server) handleTaskEvents(c *fiber.Ctx) error {
	id := c.Params("id")
	t, err := s.registry.Get(id)
	if err != nil {
		return taskErrorResponse(c, err)
	}

	c.Set(fiber.HeaderContentType, constants.ContentTypeJSONLines)

	sub := t.Bus().Subscribe()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		for {
			var e *event.Event
			select {
			case e = <-sub.Events():
			case <-sub.Done():
				return
			}
			line, err := e.MarshalLine()
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("failed to marshal event for streaming", zap.Error(err))
				}
				continue
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

// handleTaskEventsWS is the websocket counterpart of handleTaskEvents:
// same Subscription, one text frame per event instead of a newline-
// delimited body. Closing the socket (read error or Close) closes the
// Subscription the same way a disconnected HTTP client does.
func (s *Server) handleTaskEventsWS(c *websocket.Conn) {
	id := c.Params("id")
	t, err := s.registry.Get(id)
	if err != nil {
		_ = c.WriteJSON(errorResponse{Message: err.Error()})
		_ = c.Close()
		return
	}

	sub := t.Bus().Subscribe()
	defer sub.Close()

	for {
		var e *event.Event
		select {
		case e = <-sub.Events():
		case <-sub.Done():
			return
		}
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}

func taskErrorResponse(c *fiber.Ctx, err error) error {
	var notFound *task.ErrNotFound
	if errors.As(err, &notFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Message: err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Message: err.Error()})
}
