// Package chatbot runs the guided sales conversation for Xtalento: a
// staged flow that greets, captures name and role, presents services
// and answers questions from the knowledge base, with an LLM producing
// the actual wording.
package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xtalento/xbot/internal/llm"
)

// Model is the completion interface the bot drives. *llm.Client
// implements it; tests substitute a canned fake.
type Model interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// PaymentFormURL is where customers confirm a purchase.
const PaymentFormURL = "https://forms.gle/vBDAguF19cSaDhAK6"

// EscalationReply is sent when a chat is handed to a human, before the
// bot goes silent on it.
const EscalationReply = "Perfecto. Pauso este chat y un agente de ventas te contactará " +
	"en este mismo canal. Si deseas retomar con el bot más tarde, escribe de nuevo más adelante."

// FallbackReply covers unrecoverable processing errors. Better a
// canned apology than silence on a sales channel.
const FallbackReply = "Lo siento, tuve un problema procesando tu mensaje. ¿Puedes intentarlo de nuevo?"

const systemPrompt = `Actúas como Xtalento Bot, un asistente profesional cálido, claro y experto que guía a personas a potenciar su perfil laboral y encontrar empleo más rápido.
El nombre del usuario es %q. Cuando sea natural, usa su nombre para personalizar la conversación; si está vacío, no lo inventes.
No uses la palabra 'Hola' en tus respuestas: el saludo inicial ya fue dado. No sobrepases los 200 tokens.
Cuando el usuario mencione un servicio, incluye qué incluye, el precio para su nivel de cargo y cómo se agenda o paga.
Destaca siempre la mentoría virtual personalizada, la entrega rápida y la garantía de superar filtros ATS.
Responde solo con información del contexto proporcionado; no inventes servicios ni datos.
Si no tienes información suficiente, ofrece dos opciones: 1) derivar a un agente de ventas humano, 2) explorar otros servicios del contexto.
Usa emojis con calidez, sin perder profesionalismo.`

// unknownOptionsReply is the standard answer when the knowledge base
// has nothing useful.
const unknownOptionsReply = "No tengo suficiente información para darte una respuesta precisa ahora mismo. " +
	"¿Qué prefieres que hagamos?\n\n" +
	"1) Hablar con un agente de ventas humano (pausamos este chat y te contactarán en ~3 horas).\n" +
	"2) Seguir conmigo y explorar otros servicios de Xtalento disponibles."

// Config configures a Bot.
type Config struct {
	Model     Model
	Retriever Retriever // optional; without it every KB answer degrades to the options reply
	Logger    *slog.Logger
}

// Bot drives the staged conversation. It is stateless itself; all
// per-chat state lives in the Session passed to ProcessTurn.
type Bot struct {
	model     Model
	retriever Retriever
	logger    *slog.Logger
}

// New creates a Bot.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		model:     cfg.Model,
		retriever: cfg.Retriever,
		logger:    logger,
	}
}

// ProcessTurn advances the session with one user message and returns
// the reply. It never returns an empty reply: errors degrade to
// conversational fallbacks so the channel does not go dead.
func (b *Bot) ProcessTurn(ctx context.Context, s *Session, input string) string {
	reply, err := b.processTurn(ctx, s, input)
	if err != nil {
		b.logger.Warn("turn processing degraded",
			"chat_id", s.ChatID,
			"stage", s.Stage,
			"error", err,
		)
		reply = b.continueConversation(ctx, input,
			"hubo un inconveniente interno; responde de forma útil a lo último que dijo el usuario y mantén la conversación en marcha")
	}
	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}
	return reply
}

func (b *Bot) processTurn(ctx context.Context, s *Session, input string) (string, error) {
	// The greeting needs neither history nor input.
	if s.Stage == StageGreeting {
		s.Stage = StageNameCity
		reply, err := b.generate(ctx,
			"Actúas como Xtalento Bot. Genera un saludo inicial cálido y profesional que comience exactamente con '¡Hola! 👋'. Preséntate brevemente y pide al usuario su nombre y la ciudad desde la que escribe.")
		if err != nil {
			return "", err
		}
		s.appendHistory(llm.RoleAssistant, reply)
		return reply, nil
	}

	s.appendHistory(llm.RoleUser, input)

	var reply string
	var err error
	switch s.Stage {
	case StageNameCity:
		reply, err = b.handleNameCity(ctx, s, input)
	case StageRole:
		reply, err = b.handleRole(ctx, s, input)
	case StageServiceChoice:
		reply, err = b.handleServiceChoice(ctx, s, input)
	default:
		reply, err = b.handleProvidingInfo(ctx, s, input)
	}
	if err != nil {
		return "", err
	}

	s.appendHistory(llm.RoleAssistant, reply)
	return reply, nil
}

// questionStarters flags messages that are a question rather than the
// name/city answer the stage expects.
var questionStarters = map[string]bool{
	"qué": true, "cómo": true, "cuándo": true, "dónde": true, "cuál": true,
	"por": true, "quién": true, "what": true, "how": true, "when": true,
	"where": true, "which": true, "why": true, "who": true, "do": true,
	"is": true, "are": true,
}

func (b *Bot) handleNameCity(ctx context.Context, s *Session, input string) (string, error) {
	if isQuestion(input) {
		// Answer without derailing the flow; the stage stays put.
		return b.answerFromKB(ctx, s, input), nil
	}

	s.NameCity = input
	s.Name = b.extractName(ctx, input)
	s.Stage = StageRole

	return b.generate(ctx, fmt.Sprintf(
		"Actúas como Xtalento Bot. El usuario se llama %s. Dale una bienvenida personalizada (sin usar la palabra 'Hola') y pregúntale por su cargo actual o al que aspira para darle una mejor asesoría.",
		s.Name))
}

func isQuestion(input string) bool {
	if strings.Contains(input, "?") {
		return true
	}
	fields := strings.Fields(strings.ToLower(input))
	return len(fields) > 0 && questionStarters[fields[0]]
}

// validRoles are the levels the service catalog prices by.
var validRoles = map[string]bool{"operativo": true, "táctico": true, "estratégico": true}

func (b *Bot) handleRole(ctx context.Context, s *Session, input string) (string, error) {
	role := b.classifyRole(ctx, input)
	s.Stage = StageServiceChoice

	if role == "" {
		return b.continueConversation(ctx, input,
			"no se pudo clasificar el cargo; presenta la lista de servicios (1-6) y pide al usuario elegir uno, o que cuente brevemente su cargo para recomendarle mejor"), nil
	}

	s.Role = role
	return b.generate(ctx, `Actúas como Xtalento Bot. Presenta los siguientes servicios en una lista numerada sin mencionar la categoría del usuario:
1. Optimización de Hoja de Vida (ATS)
2. Mejora de perfil en plataformas de empleo
3. Preparación para Entrevistas
4. Estrategia de búsqueda de empleo
5. Simulación de entrevista con feedback
6. **Metodo X** (recomendado)
Usa un emoji como 🚀 al final de la introducción, sin usar la palabra 'Hola'.
Dile que puede elegir uno o varios servicios, marcando el número o diciendo el nombre.`)
}

// serviceKeywords detects a service selection in free text.
var serviceKeywords = []string{
	"hoja de vida", "ats", "perfil", "plataforma", "entrevista", "estrategia",
	"búsqueda", "1", "2", "3", "4", "5", "6", "mejora", "mejorar",
	"preparación", "metodo x", "método x",
}

// metodoXChoices are the inputs that select Metodo X outright, which
// gets a no-prices pitch ending in a free advisory session.
var metodoXChoices = map[string]bool{
	"metodo x": true, "método x": true, "metodo": true, "método": true, "6": true,
}

func (b *Bot) handleServiceChoice(ctx context.Context, s *Session, input string) (string, error) {
	if !containsAny(strings.ToLower(input), serviceKeywords) {
		return b.continueConversation(ctx, input,
			"orienta brevemente sobre los servicios disponibles (1-6) y solicita elegir uno o varios; si el usuario hizo una pregunta, respóndela y vuelve a ofrecer la lista"), nil
	}

	s.Service = input
	s.Stage = StageProvidingInfo

	if metodoXChoices[strings.TrimSpace(strings.ToLower(input))] {
		return b.answerFromKB(ctx, s,
			"Usa EXCLUSIVAMENTE el contexto. Brinda información clara y corta sobre 'Metodo X' SIN INCLUIR precios: qué es, para quién aplica, beneficios, cómo funciona y resultados esperables. Cierra invitando a agendar una asesoría personalizada gratuita con un asesor; no menciones pagos para esa asesoría."), nil
	}

	role := s.Role
	if role == "" {
		role = "táctico"
	}
	query := fmt.Sprintf(`Usa EXCLUSIVAMENTE el contexto para responder, excepto en la política de precios indicada abajo.
Servicios escogidos por el usuario: %q.
Nivel de cargo del usuario: %q.

Política de precios (aplica SIEMPRE): hoja de vida/HV/CV/ATS (servicio 1) cuesta 50.000$; mejora de perfil en plataformas (servicio 2) cuesta 80.000$. Si el contexto muestra otros precios para esos dos servicios, ignóralos.

Formato de salida en español, con estos encabezados en este orden:
- servicio o servicios escogidos: <lista breve>
- informacion sobre el servicio o servicios: <qué incluye, cómo funciona y tiempos si están en contexto>
- precio del servicio o servicios: <según la política de arriba; para el resto usa el contexto>
- paso 1: llenar el formulario %s (indica que este paso es fundamental)
- paso 2: SOLO si entre los servicios hay hoja de vida/CV/ATS: pedir la hoja de vida actual o un documento con nombres, cédula, estudios y experiencia. Si no aplica, escribe 'paso 2: (no aplica)'
- paso 3: formas de pagar y confirmar el pago según el contexto.

Cierra indicando: 'Confirma cuando completes el formulario (paso 1) y cuando realices el pago (paso 3)'. Evita saludos iniciales.`,
		input, role, PaymentFormURL)

	return b.answerFromKB(ctx, s, query), nil
}

// continueBotWords detects choosing option 2 of the unknown-options
// reply (keep talking to the bot).
var continueBotWords = []string{"seguir", "continuar", "bot", "opciones", "servicios", "2", "dos"}

func (b *Bot) handleProvidingInfo(ctx context.Context, s *Session, input string) (string, error) {
	if containsAny(strings.ToLower(input), continueBotWords) {
		return b.continueConversation(ctx, input,
			"presenta los servicios disponibles de Xtalento (solo los del contexto) y guía a escoger uno; propón agendar una sesión virtual como siguiente paso"), nil
	}
	return b.answerFromKB(ctx, s, input), nil
}

// answerFromKB answers via the knowledge base, degrading to the
// standard options reply when retrieval or the model fails or comes
// back empty.
func (b *Bot) answerFromKB(ctx context.Context, s *Session, query string) string {
	var contextBlock string
	if b.retriever != nil {
		snippets, err := b.retriever.Retrieve(ctx, query, 4)
		if err != nil {
			b.logger.Warn("retrieval failed", "chat_id", s.ChatID, "error", err)
		}
		contextBlock = strings.Join(snippets, "\n---\n")
	}
	if contextBlock == "" {
		return unknownOptionsReply
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(systemPrompt, s.Name)},
	}
	messages = append(messages, s.History()...)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Contexto:\n%s\n\nPregunta: %s", contextBlock, query),
	})

	answer, err := b.model.Complete(ctx, messages)
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil {
			b.logger.Warn("kb answer failed", "chat_id", s.ChatID, "error", err)
		}
		return unknownOptionsReply
	}
	return answer
}

// classifyRole buckets a job description into the catalog's levels.
// Returns "" when the model's answer is not one of them.
func (b *Bot) classifyRole(ctx context.Context, description string) string {
	reply, err := b.generate(ctx, fmt.Sprintf(
		"Clasifica el siguiente cargo únicamente como 'operativo', 'táctico' o 'estratégico'. No agregues ninguna otra palabra.\nCargo: %q\nClasificación:",
		description))
	if err != nil {
		return ""
	}
	role := strings.ToLower(strings.TrimSpace(reply))
	if validRoles[role] {
		return role
	}
	return ""
}

// extractName pulls the user's first name out of the name/city answer,
// falling back to the first word.
func (b *Bot) extractName(ctx context.Context, nameCity string) string {
	reply, err := b.generate(ctx, fmt.Sprintf(
		"De la siguiente frase, extrae únicamente el nombre de pila del usuario. Ejemplo: para \"Soy Carlos de Lima\" la respuesta es \"Carlos\". Devuelve solo el nombre.\nFrase: %q\nNombre de pila:",
		nameCity))
	name := strings.TrimSpace(reply)
	if err != nil || name == "" {
		if fields := strings.Fields(nameCity); len(fields) > 0 {
			return fields[0]
		}
		return ""
	}
	return name
}

// continueConversation produces a reply from a guidance instruction
// when the structured flow cannot proceed, keeping the conversation
// alive instead of erroring at the user.
func (b *Bot) continueConversation(ctx context.Context, input, guidance string) string {
	reply, err := b.generate(ctx, fmt.Sprintf(
		"Actúas como Xtalento Bot. Mensaje del usuario: %q. Objetivo: %s. Responde de forma clara, útil y breve; si corresponde, haz una pregunta para avanzar.",
		input, guidance))
	if err != nil || strings.TrimSpace(reply) == "" {
		return FallbackReply
	}
	return reply
}

// generate runs a single-prompt completion without RAG context.
func (b *Bot) generate(ctx context.Context, prompt string) (string, error) {
	reply, err := b.model.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
