package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaychat/chat-core/internal/auth"
	"github.com/relaychat/chat-core/internal/cache"
	"github.com/relaychat/chat-core/internal/history"
	"github.com/relaychat/chat-core/internal/membership"
	"github.com/relaychat/chat-core/internal/messaging"
	"github.com/relaychat/chat-core/internal/metrics"
	"github.com/relaychat/chat-core/internal/pipeline"
	"github.com/relaychat/chat-core/internal/presence"
	"github.com/relaychat/chat-core/internal/protocol"
	"github.com/relaychat/chat-core/internal/ratelimit"
	"github.com/relaychat/chat-core/internal/registry"
	"github.com/relaychat/chat-core/internal/replay"
	"github.com/relaychat/chat-core/internal/store"
	"github.com/relaychat/chat-core/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
	}

	cacheLayer := cache.New(rdb)
	validator := auth.NewCachedValidator(auth.NewRedisValidator(rdb), cacheLayer)
	members := membership.NewCachedChecker(membership.NewRedisChecker(rdb), cacheLayer)
	limiter := ratelimit.NewLimiter(rdb)

	// --- Message store ---
	backendName := os.Getenv("STORE_BACKEND")
	if backendName == "" {
		if os.Getenv("POSTGRES_DSN") != "" {
			backendName = "postgres"
		} else {
			backendName = "sqlite"
		}
	}

	var backend store.MessageStore
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		switch backendName {
		case "postgres":
			backend, err = store.NewPostgresStore(ctx, os.Getenv("POSTGRES_DSN"))
		case "sqlite":
			path := os.Getenv("SQLITE_PATH")
			if path == "" {
				path = "chat.db"
			}
			backend, err = store.NewSQLiteStore(ctx, path)
		case "memory":
			backend = store.NewMemoryStore()
		default:
			log.Fatalf("unknown STORE_BACKEND %q", backendName)
		}
		cancel()
		if err != nil {
			log.Fatalf("failed to open %s store: %v", backendName, err)
		}
	}

	writerConfig := store.DefaultWriterConfig()
	if v := os.Getenv("RETENTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			writerConfig.RetentionWindow = d
		}
	}
	writer := store.NewWriter(backend, writerConfig)

	log.Printf("chat-core server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  store_backend:   %s", backendName)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// --- Registry, bridged to NATS room subjects ---
	// Events ride NATS as fully encoded client frames; every server
	// instance with local subscribers forwards them verbatim.
	reg := registry.New(registry.DefaultConfig())
	reg.SetRoomHooks(
		func(roomID string) {
			if err := natsClient.SubscribeRoom(roomID, func(data []byte) {
				reg.Publish(roomID, data)
			}); err != nil {
				log.Printf("room subscribe failed room=%s: %v", roomID, err)
			}
		},
		func(roomID string) {
			_ = natsClient.UnsubscribeRoom(roomID)
		},
	)

	// rooms tracks which rooms each user's connections are subscribed to,
	// so presence transitions know where to announce.
	rooms := newRoomIndex()

	// --- Presence ---
	tracker := presence.New(presence.DefaultConfig(), &eventFanout{
		nats:  natsClient,
		rooms: rooms,
	})
	tracker.Start()

	// --- Pipeline and replay ---
	pipe := pipeline.New(writer, &natsPublisher{nats: natsClient}, cacheLayer)
	replayer := replay.New(backend, members, replay.DefaultConfig())
	historySvc := history.New(backend, cacheLayer, 50)

	// handles maps live transport connections to their registry handles.
	var handleMu sync.Mutex
	handles := make(map[*ws.Connection]*registry.Handle)

	getHandle := func(conn *ws.Connection) *registry.Handle {
		handleMu.Lock()
		defer handleMu.Unlock()
		return handles[conn]
	}

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// submit_message — validate, rate limit, commit, ack
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubmitMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SubmitMessageMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		allowed, err := limiter.Allow(ctx, conn.UserID, ratelimit.RuleSubmit)
		if err == nil && !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: limiter.RetryAfter(ctx, conn.UserID, ratelimit.RuleSubmit),
			})
			_ = conn.Write(resp)
			return
		}

		if isMember, err := members.IsMember(ctx, conn.UserID, m.RoomID); err != nil {
			dispatcher.SendError(conn, "internal_error", "membership check failed")
			return
		} else if !isMember {
			dispatcher.SendError(conn, "access_denied", "not a room member")
			return
		}

		id, err := pipe.Submit(ctx, m.RoomID, conn.UserID, m.DedupKey, m.Body)
		if err != nil {
			switch {
			case pipeline.IsValidation(err):
				dispatcher.SendError(conn, "invalid_message", err.Error())
			case store.IsTransient(err):
				// Queue saturated or backend flapping; the client may
				// retry with the same dedup key.
				dispatcher.SendError(conn, "overloaded", "try again")
			default:
				log.Printf("submit failed user=%s room=%s: %v", conn.UserID, m.RoomID, err)
				dispatcher.SendError(conn, "internal_error", "message not committed")
			}
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			RoomID:    m.RoomID,
			DedupKey:  m.DedupKey,
			MessageID: id,
		})
		_ = conn.Write(resp)
	})

	// -----------------------------------------------------------------------
	// subscribe / unsubscribe — join or leave a room's live fan-out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribe, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			return
		}
		h := getHandle(conn)
		if h == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if isMember, err := members.IsMember(ctx, conn.UserID, m.RoomID); err != nil {
			dispatcher.SendError(conn, "internal_error", "membership check failed")
			return
		} else if !isMember {
			dispatcher.SendError(conn, "access_denied", "not a room member")
			return
		}

		reg.Subscribe(h, m.RoomID)
		rooms.add(conn.UserID, m.RoomID)
	})

	dispatcher.Register(protocol.TypeUnsubscribe, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.UnsubscribeMsg)
		if !ok {
			return
		}
		h := getHandle(conn)
		if h == nil {
			return
		}
		reg.Unsubscribe(h, m.RoomID)
		rooms.drop(conn.UserID, m.RoomID)
	})

	// -----------------------------------------------------------------------
	// typing_start / typing_stop — self-expiring typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingStartMsg)
		if !ok {
			return
		}
		tracker.TypingStart(conn.UserID, m.RoomID)
	})

	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingStopMsg)
		if !ok {
			return
		}
		tracker.TypingStop(conn.UserID, m.RoomID)
	})

	// -----------------------------------------------------------------------
	// resume — replay the gap after last_seen_id, then live fan-out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeResume, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ResumeMsg)
		if !ok {
			return
		}
		h := getHandle(conn)
		if h == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		allowed, err := limiter.Allow(ctx, conn.UserID, ratelimit.RuleReplay)
		if err == nil && !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: limiter.RetryAfter(ctx, conn.UserID, ratelimit.RuleReplay),
			})
			_ = conn.Write(resp)
			return
		}

		stream, err := replayer.Replay(ctx, m.RoomID, conn.UserID, m.LastSeenID)
		if err != nil {
			var trunc *replay.TruncatedError
			switch {
			case errors.Is(err, replay.ErrAccessDenied):
				dispatcher.SendError(conn, "access_denied", "not a room member")
			case errors.As(err, &trunc):
				resp, _ := protocol.NewServerMessage(protocol.TypeReplayTruncated, protocol.ReplayTruncatedMsg{
					RoomID:   trunc.RoomID,
					OldestID: trunc.OldestID,
				})
				_ = conn.Write(resp)
			default:
				log.Printf("replay failed user=%s room=%s: %v", conn.UserID, m.RoomID, err)
				dispatcher.SendError(conn, "internal_error", "replay failed")
			}
			return
		}

		// Subscribe before replaying so no message commits in the gap
		// between the two. A message can then arrive both replayed and
		// live; ids are monotonic, so the client drops the duplicate.
		reg.Subscribe(h, m.RoomID)
		rooms.add(conn.UserID, m.RoomID)

		for {
			rec, ok, err := stream.Next(ctx)
			if err != nil {
				log.Printf("replay read failed user=%s room=%s: %v", conn.UserID, m.RoomID, err)
				dispatcher.SendError(conn, "internal_error", "replay interrupted")
				return
			}
			if !ok {
				break
			}
			resp, _ := protocol.NewServerMessage(protocol.TypeMessageEvent, protocol.MessageEventMsg{
				MessageID: rec.ID,
				RoomID:    rec.RoomID,
				SenderID:  rec.SenderID,
				Body:      rec.Body,
				Ts:        rec.CreatedAt,
			})
			if err := conn.Write(resp); err != nil {
				return
			}
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeReplayComplete, protocol.ReplayCompleteMsg{
			RoomID: m.RoomID,
			LastID: stream.LastID(),
		})
		_ = conn.Write(resp)
	})

	server := ws.NewServer(config, validator, dispatcher.Dispatch)

	server.SetConnectGate(func(ctx context.Context, userID string) error {
		allowed, err := limiter.Allow(ctx, userID, ratelimit.RuleConnect)
		if err != nil {
			return nil // limiter unavailable fails open
		}
		if !allowed {
			return errors.New("connect rate exceeded")
		}
		return nil
	})

	server.SetOnConnect(func(conn *ws.Connection) {
		h := reg.Register(conn.UserID, conn.DeviceSessionID, nil, conn)
		handleMu.Lock()
		handles[conn] = h
		handleMu.Unlock()

		tracker.Touch(conn.UserID)

		resp, _ := protocol.NewServerMessage(protocol.TypeHello, protocol.HelloMsg{
			UserID:          conn.UserID,
			DeviceSessionID: conn.DeviceSessionID,
		})
		_ = conn.Write(resp)
	})

	server.SetOnActivity(func(conn *ws.Connection) {
		tracker.Touch(conn.UserID)
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		handleMu.Lock()
		h := handles[conn]
		delete(handles, conn)
		handleMu.Unlock()

		if h != nil {
			for _, roomID := range h.Rooms() {
				rooms.drop(conn.UserID, roomID)
			}
			reg.Unregister(h)
		}

		// The user goes offline only when their last connection is gone;
		// other devices keep presence alive.
		if reg.ConnectionsForUser(conn.UserID) == 0 {
			tracker.Disconnect(conn.UserID)
		}
	})

	// --- Metrics and read API ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/rooms/recent", func(w http.ResponseWriter, r *http.Request) {
		handleRecent(w, r, validator, members, historySvc)
	})
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown: stop intake first, then drain outward-facing
	// components, then the write path.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		reg.Shutdown()
		tracker.Stop()
		natsClient.Close()
		writer.Close()
		if err := backend.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()

		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
