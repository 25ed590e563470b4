package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"habit-chat/internal/config"
	"habit-chat/internal/db"
	"habit-chat/internal/domain"
	"habit-chat/internal/llm"
	"habit-chat/internal/repository"
	"habit-chat/internal/service"
)

type session struct {
	self       string
	jwtSecret  string
	convs      repository.ConversationRepository
	messages   repository.MessageRepository
	rollup     *service.RollupEngine
	dispatcher *service.Dispatcher
	ingestion  *service.IngestionPipeline
	resolver   *service.AiResolver
	current    string
}

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	s := &session{self: "me"}
	var (
		messageRepo   repository.MessageRepository
		convRepo      repository.ConversationRepository
		characterRepo repository.CharacterRepository
		llmClient     llm.LLMClient
	)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Sin configuracion completa (%v). Modo offline en memoria.\n", err)
		store := repository.NewMemoryStore()
		messageRepo, convRepo, characterRepo = store.Messages(), store.Conversations(), store.Characters()
	} else {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal(err)
		}
		messageRepo = repository.NewPgMessageRepository(pool)
		convRepo = repository.NewPgConversationRepository(pool)
		characterRepo = repository.NewPgCharacterRepository(pool)
		s.self = cfg.SelfUserID
		s.jwtSecret = cfg.JWTSecret
		if cfg.LLMAPIKey != "" {
			llmClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
		}
	}

	s.convs = convRepo
	s.messages = messageRepo
	s.rollup = service.NewRollupEngine(convRepo, messageRepo, nil, logger)
	s.dispatcher = service.NewDispatcher(messageRepo, s.rollup, nil, service.DispatcherOptions{SelfUserID: s.self, Logger: logger})
	s.ingestion = service.NewIngestionPipeline(messageRepo, s.rollup, service.IngestionOptions{SelfUserID: s.self, Logger: logger})

	var generator service.TextGenerator
	if llmClient != nil {
		generator = service.NewBreakerGenerator(service.NewLLMGenerator(llmClient), service.BreakerSettings{}, logger)
	}
	s.resolver = service.NewAiResolver(characterRepo, messageRepo, s.rollup, generator, service.StaticSignal(llmClient != nil), nil,
		service.AiResolverOptions{SelfUserID: s.self, Logger: logger})

	fmt.Println("===== Habit Chat =====")
	printHelp()
	for {
		prompt := "> "
		if s.current != "" {
			prompt = s.current + " > "
		}
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/salir" || line == "/exit" {
			fmt.Println("Saliendo...")
			return
		}
		if err := s.handle(ctx, line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func printHelp() {
	fmt.Println("Comandos:")
	fmt.Println("  /list                     listar conversaciones")
	fmt.Println("  /open <id>                abrir conversacion")
	fmt.Println("  <texto>                   enviar a la conversacion abierta")
	fmt.Println("  /recv <remitente> <texto> simular un mensaje entrante")
	fmt.Println("  /read                     marcar como leida")
	fmt.Println("  /pin | /mute | /archive   alternar banderas")
	fmt.Println("  /edit <id> <texto>        editar un mensaje propio")
	fmt.Println("  /del <id>                 borrar un mensaje propio")
	fmt.Println("  /ai <trigger> <habito> [racha]")
	fmt.Println("  /chars | /char new <tipo> <nombre> | /char select <id>")
	fmt.Println("  /token                    emitir token de acceso para la API")
	fmt.Println("  /salir")
}

func (s *session) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		if s.current == "" {
			return fmt.Errorf("no conversation open, use /open <id>")
		}
		msg, err := s.dispatcher.Send(ctx, service.SendRequest{ConversationID: s.current, Content: line})
		if err != nil {
			return err
		}
		status := "pendiente"
		if msg.IsSent {
			status = "enviado"
		}
		fmt.Printf("[%s] %s (%s)\n", shortID(msg.ID), msg.Content, status)
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		printHelp()
	case "/list":
		return s.list(ctx)
	case "/open":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /open <id>")
		}
		s.current = fields[1]
		return s.history(ctx)
	case "/recv":
		if s.current == "" || len(fields) < 3 {
			return fmt.Errorf("usage: /recv <sender> <text> with an open conversation")
		}
		out, err := s.ingestion.Ingest(ctx, domain.InboundEvent{
			ConversationID: s.current,
			SenderID:       fields[1],
			ReceiverID:     s.self,
			Content:        strings.Join(fields[2:], " "),
			Timestamp:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Mensaje entrante: %s\n", out)
	case "/read":
		if s.current == "" {
			return fmt.Errorf("no conversation open")
		}
		_, n, err := s.rollup.MarkRead(ctx, s.current, nil)
		if err != nil {
			return err
		}
		fmt.Printf("%d mensajes marcados como leidos\n", n)
	case "/pin", "/mute", "/archive":
		return s.toggle(ctx, fields[0])
	case "/edit":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <id> <text>")
		}
		id, err := s.resolveID(ctx, fields[1])
		if err != nil {
			return err
		}
		_, err = s.dispatcher.Edit(ctx, id, strings.Join(fields[2:], " "))
		return err
	case "/del":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /del <id>")
		}
		id, err := s.resolveID(ctx, fields[1])
		if err != nil {
			return err
		}
		return s.dispatcher.Delete(ctx, id)
	case "/ai":
		return s.ai(ctx, fields[1:])
	case "/chars":
		chars, err := s.resolver.ListCharacters(ctx)
		if err != nil {
			return err
		}
		for _, c := range chars {
			mark := " "
			if c.Selected {
				mark = "*"
			}
			fmt.Printf("%s %s %s (%s) usos=%d\n", mark, c.ID, c.Name, c.Type, c.UsageCount)
		}
	case "/char":
		return s.character(ctx, fields[1:])
	case "/token":
		token, err := service.NewJWTService(s.jwtSecret, 15*time.Minute).IssueAccessToken(s.self)
		if err != nil {
			return fmt.Errorf("issue token (is JWT_SECRET set?): %w", err)
		}
		fmt.Println(token)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func (s *session) list(ctx context.Context) error {
	convs, err := s.convs.List(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No hay conversaciones.")
		return nil
	}
	for _, c := range convs {
		flags := ""
		if c.Pinned {
			flags += "P"
		}
		if c.Muted {
			flags += "M"
		}
		if c.Archived {
			flags += "A"
		}
		fmt.Printf("%-20s %-7s [%3s] no leidos=%d  %s\n", c.ID, c.Type, flags, c.UnreadCount, c.LastMessage)
	}
	return nil
}

func (s *session) history(ctx context.Context) error {
	msgs, err := s.messages.ListByConversationID(ctx, s.current)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.SoftDeleted {
			continue
		}
		who := m.SenderID
		if m.IsFromMe {
			who = "Tu"
		}
		fmt.Printf("[%s] %s %s: %s\n", shortID(m.ID), m.Timestamp.Local().Format("15:04"), who, m.DisplayContent())
	}
	return nil
}

func (s *session) toggle(ctx context.Context, cmd string) error {
	if s.current == "" {
		return fmt.Errorf("no conversation open")
	}
	conv, err := s.convs.GetByID(ctx, s.current)
	if err != nil {
		return err
	}
	var flags domain.FlagUpdate
	switch cmd {
	case "/pin":
		v := !conv.Pinned
		flags.Pinned = &v
	case "/mute":
		v := !conv.Muted
		flags.Muted = &v
	case "/archive":
		v := !conv.Archived
		flags.Archived = &v
	}
	conv, err = s.rollup.SetFlags(ctx, s.current, flags)
	if err != nil {
		return err
	}
	fmt.Printf("fijada=%v silenciada=%v archivada=%v\n", conv.Pinned, conv.Muted, conv.Archived)
	return nil
}

func (s *session) ai(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /ai <encouragement|reminder|celebration> <habit> [streak]")
	}
	params := domain.TriggerParams{}
	rest := args[1:]
	if n := len(rest); n > 1 {
		if streak, err := strconv.Atoi(rest[n-1]); err == nil {
			params.Streak = streak
			rest = rest[:n-1]
		}
	}
	params.HabitName = strings.Join(rest, " ")

	req := domain.AiRequest{UserID: s.self, Trigger: domain.Trigger(args[0]), Params: params}
	if strings.HasPrefix(s.current, "ai-") {
		req.ConversationID = s.current
	}
	switch out := s.resolver.Resolve(ctx, req).(type) {
	case domain.AiReplied:
		fmt.Printf("%s > %s (%s, %dms)\n", out.Message.SenderID, out.Message.Content, out.Result.Origin, out.Result.Latency.Milliseconds())
	case domain.AiUnavailable:
		fmt.Printf("Sin personaje disponible: %v. Crea uno con /char new.\n", out.Reason)
	case domain.AiFailed:
		return out.Err
	}
	return nil
}

func (s *session) character(ctx context.Context, args []string) error {
	if len(args) >= 3 && args[0] == "new" {
		c, err := s.resolver.CreateCharacter(ctx, strings.Join(args[2:], " "), domain.CharacterType(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("Personaje creado: %s (%s) seleccionado=%v\n", c.Name, c.ID, c.Selected)
		return nil
	}
	if len(args) == 2 && args[0] == "select" {
		c, err := s.resolver.SelectCharacter(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Personaje seleccionado: %s\n", c.Name)
		return nil
	}
	return fmt.Errorf("usage: /char new <coach|cheerleader|sage|buddy> <name> | /char select <id>")
}

// resolveID acepta el prefijo corto que muestra el historial.
func (s *session) resolveID(ctx context.Context, prefix string) (string, error) {
	if s.current == "" {
		return prefix, nil
	}
	msgs, err := s.messages.ListByConversationID(ctx, s.current)
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, prefix) {
			return m.ID, nil
		}
	}
	return prefix, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
