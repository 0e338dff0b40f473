// Package session orchestrates chat turns. It resolves layered
// configuration, runs budget pre-flight checks, dispatches to the LLM
// client, and commits completed turns to history as one atomic unit.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cellscribe/cellscribe/internal/budget"
	"github.com/cellscribe/cellscribe/internal/chat"
	"github.com/cellscribe/cellscribe/internal/credential"
	"github.com/cellscribe/cellscribe/internal/history"
	"github.com/cellscribe/cellscribe/internal/observe"
	"github.com/cellscribe/cellscribe/internal/persona"
	"github.com/cellscribe/cellscribe/internal/provider"
	"github.com/cellscribe/cellscribe/internal/tokens"
)

// defaultModel is the built-in fallback when neither persona, session
// override, nor call option names one.
const defaultModel = "gpt-4o-mini"

// Options adjust a single Chat call. Zero values defer to the session's
// layered configuration.
type Options struct {
	// Persona switches the active persona before the turn runs. An
	// unknown name fails the turn in-band without touching history.
	Persona string

	Model       string
	Temperature *float32
	MaxTokens   int
	TopP        *float32
	Stop        []string

	// Snippets are loaded and sent with this call only; they are never
	// recorded in history. SnippetRole picks the role they are sent
	// under, user when unset.
	Snippets    []string
	SnippetRole chat.Role

	// Stream requests incremental delivery through OnChunk and the event
	// bus.
	Stream  bool
	OnChunk func(text string)

	// ShowOnly sends the exchange without mutating history.
	ShowOnly bool

	// PersistPromptOnFailure keeps the user prompt in history when the
	// client call fails. Default is to leave history untouched.
	PersistPromptOnFailure bool
}

// Result is the outcome of one chat turn. Expected failures (provider
// errors, budget violations) are reported in-band rather than as errors so
// a notebook cell always gets a displayable value.
type Result struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Latency   time.Duration

	Success      bool
	ErrorKind    provider.Kind
	ErrorMessage string
}

// Orchestrator coordinates history, persona, budget, and the LLM client
// for one session. Methods are safe for concurrent use.
type Orchestrator struct {
	mu       sync.Mutex
	client   provider.Client
	history  *history.Manager
	personas *persona.Loader
	guard    *budget.Guard
	obs      *observe.Observer
	bus      *EventBus

	persona   *persona.Config
	overrides map[string]string
}

func New(client provider.Client, hist *history.Manager, personas *persona.Loader, guard *budget.Guard, obs *observe.Observer) *Orchestrator {
	if guard == nil {
		guard = budget.New(budget.DefaultPolicy)
	}
	if obs == nil {
		obs = observe.Nop()
	}
	return &Orchestrator{
		client:    client,
		history:   hist,
		personas:  personas,
		guard:     guard,
		obs:       obs,
		bus:       NewEventBus(),
		overrides: make(map[string]string),
	}
}

// Bus exposes the session event bus for subscribers.
func (o *Orchestrator) Bus() *EventBus {
	return o.bus
}

// History exposes the underlying history manager.
func (o *Orchestrator) History() *history.Manager {
	return o.history
}

// SetPersona activates a persona by name, replacing the conversation's
// system message.
func (o *Orchestrator) SetPersona(name string) error {
	cfg, err := o.personas.Load(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persona = cfg
	o.history.SetPersona(cfg)
	o.obs.Log().Info().Str("persona", cfg.Name).Msg("persona activated")
	return nil
}

// Persona returns the active persona, nil when none is set.
func (o *Orchestrator) Persona() *persona.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persona
}

// AddSnippet loads a snippet and records it in history as persistent
// context for every following turn. Role may be user or system; system
// context is appended in place and never displaces the persona message.
func (o *Orchestrator) AddSnippet(name string, role chat.Role) error {
	role, err := snippetRole(role)
	if err != nil {
		return err
	}
	text, err := o.personas.LoadSnippet(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history.AddContext(role, text, chat.Metadata{Source: "snippet"})
	return nil
}

// snippetRole validates a snippet role, defaulting to user when unset.
func snippetRole(role chat.Role) (chat.Role, error) {
	switch role {
	case "":
		return chat.RoleUser, nil
	case chat.RoleUser, chat.RoleSystem:
		return role, nil
	default:
		return "", fmt.Errorf("%w: snippet role %q", chat.ErrInvalidOperation, role)
	}
}

// SetOverride stores a session-scoped configuration override. Overrides
// sit between persona defaults and per-call options.
func (o *Orchestrator) SetOverride(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides[key] = value
}

// RemoveOverride drops a session override.
func (o *Orchestrator) RemoveOverride(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.overrides, key)
}

// ClearOverrides drops every session override.
func (o *Orchestrator) ClearOverrides() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides = make(map[string]string)
}

// Overrides returns a copy of the session overrides with sensitive values
// masked for display.
func (o *Orchestrator) Overrides() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.overrides))
	for k, v := range o.overrides {
		if credential.IsSensitiveKey(k) {
			v = credential.MaskSecret(v)
		}
		out[k] = v
	}
	return out
}

// Save, Load, Clear, and Rollback delegate to the history manager so the
// command layer talks to one façade.

func (o *Orchestrator) Save(name string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Save(name)
}

func (o *Orchestrator) Load(identifier string) (*chat.Conversation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Load(identifier)
}

func (o *Orchestrator) Clear(keepPersona bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Clear(keepPersona)
}

func (o *Orchestrator) Rollback(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Rollback(n)
}

// Chat executes one turn against the configured client. The turn is
// atomic: history is only mutated after the client call succeeds, and a
// cancelled stream discards any partial output.
func (o *Orchestrator) Chat(ctx context.Context, prompt string, opts Options) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if opts.Persona != "" {
		cfg, err := o.personas.Load(opts.Persona)
		if err != nil {
			return Result{
				ErrorKind:    provider.KindInvalidRequest,
				ErrorMessage: err.Error(),
			}
		}
		o.persona = cfg
		o.history.SetPersona(cfg)
	}

	if o.history.State() == history.StateEmpty {
		o.history.StartNew(o.persona)
	}
	conv := o.history.Active()

	params := o.resolveParams(opts)

	outgoing, err := o.buildMessages(conv, prompt, opts)
	if err != nil {
		return Result{
			Model:        params.Model,
			ErrorKind:    provider.KindInvalidRequest,
			ErrorMessage: err.Error(),
		}
	}

	promptTokens := 0
	for _, m := range outgoing {
		promptTokens += tokens.Estimate(m.Content)
	}

	if v := o.checkBudget(params.Model, promptTokens, conv); v != nil {
		o.bus.publish(EventBudgetViolation, conv.ID, map[string]interface{}{"rule": v.Rule})
		o.obs.Log().Warn().Str("rule", v.Rule).Msg("budget violation, turn refused")
		return Result{
			Model:        params.Model,
			ErrorKind:    provider.KindInvalidRequest,
			ErrorMessage: v.Error(),
		}
	}

	ctx, span := o.obs.StartSpan(ctx, "session.chat")
	defer span.End()

	o.bus.publish(EventTurnStart, conv.ID, map[string]interface{}{
		"model":         params.Model,
		"prompt_tokens": promptTokens,
	})

	req := provider.Request{Messages: outgoing, Params: params}
	start := time.Now()
	completion, err := o.dispatch(ctx, req, conv.ID, opts)
	latency := time.Since(start)

	if err != nil {
		kind := provider.KindOf(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = provider.KindNetwork
		}
		o.obs.Log().Error().
			Str("provider", o.client.Name()).
			Str("kind", string(kind)).
			Err(err).
			Msg("chat turn failed")
		o.bus.publish(EventTurnFailed, conv.ID, map[string]interface{}{
			"kind":  string(kind),
			"error": err.Error(),
		})
		if opts.PersistPromptOnFailure && !opts.ShowOnly {
			o.history.AddMessage(chat.RoleUser, prompt, chat.Metadata{})
		}
		return Result{
			Model:        params.Model,
			Latency:      latency,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
		}
	}

	model := completion.Model
	if model == "" {
		model = params.Model
	}
	tokensIn := completion.TokensIn
	if tokensIn == 0 {
		tokensIn = promptTokens
	}
	tokensOut := completion.TokensOut
	if tokensOut == 0 {
		tokensOut = tokens.Estimate(completion.Text)
	}
	cost, priced := tokens.Cost(tokensIn, tokensOut, model)
	if !priced {
		o.obs.Log().Warn().Str("model", model).Msg("no pricing for model, cost recorded as zero")
	}

	if !opts.ShowOnly {
		user := chat.NewMessage(chat.RoleUser, prompt,
			chat.WithMetadata(chat.Metadata{TokensIn: tokensIn}))
		assistant := chat.NewMessage(chat.RoleAssistant, completion.Text)
		assistant.EnrichUsage(0, tokensOut, cost, latency, model)
		o.history.AddTurn(user, assistant)
		if o.history.AutoSave() && o.history.State() != history.StatePersisted {
			o.bus.publish(EventAutoSaveFailed, conv.ID, nil)
		}
	}

	o.bus.publish(EventTurnComplete, conv.ID, map[string]interface{}{
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"model":      model,
	})
	o.obs.Log().Info().
		Str("model", model).
		Int("tokens_in", tokensIn).
		Int("tokens_out", tokensOut).
		Int("latency_ms", int(latency.Milliseconds())).
		Msg("chat turn complete")

	return Result{
		Text:      completion.Text,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   cost,
		Latency:   latency,
		Success:   true,
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, req provider.Request, convID string, opts Options) (*provider.Completion, error) {
	if !opts.Stream {
		return o.client.Complete(ctx, req)
	}
	return o.client.Stream(ctx, req, func(c provider.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.OnChunk != nil {
			opts.OnChunk(c.Text)
		}
		o.bus.publish(EventChunk, convID, map[string]interface{}{"text": c.Text})
		return nil
	})
}

// buildMessages assembles the outgoing list: conversation history first,
// then ephemeral snippets, then the prompt.
func (o *Orchestrator) buildMessages(conv *chat.Conversation, prompt string, opts Options) ([]provider.Message, error) {
	role, err := snippetRole(opts.SnippetRole)
	if err != nil {
		return nil, err
	}
	outgoing := make([]provider.Message, 0, len(conv.Messages)+len(opts.Snippets)+1)
	for _, m := range conv.Messages {
		outgoing = append(outgoing, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	for _, name := range opts.Snippets {
		text, err := o.personas.LoadSnippet(name)
		if err != nil {
			return nil, err
		}
		outgoing = append(outgoing, provider.Message{Role: string(role), Content: text})
	}
	outgoing = append(outgoing, provider.Message{Role: string(chat.RoleUser), Content: prompt})
	return outgoing, nil
}

func (o *Orchestrator) checkBudget(model string, promptTokens int, conv *chat.Conversation) *budget.Violation {
	if v := o.guard.CheckModel(model); v != nil {
		return v
	}
	return o.guard.Check(budget.Usage{
		PromptTokens:  promptTokens,
		HistoryTokens: tokens.EstimateMessages(conv.Messages),
		CostUSD:       conv.TotalCost(),
		Turns:         conv.Turns(),
	})
}

// resolveParams applies the configuration layers in precedence order:
// built-in defaults, persona defaults, session overrides, call options.
func (o *Orchestrator) resolveParams(opts Options) provider.Params {
	p := provider.Params{Model: defaultModel}

	if o.persona != nil {
		if o.persona.Model != "" {
			p.Model = o.persona.Model
		}
		p.Temperature = o.persona.Temperature
		p.MaxTokens = o.persona.MaxTokens
		p.TopP = o.persona.TopP
		p.FrequencyPenalty = o.persona.FrequencyPenalty
		p.PresencePenalty = o.persona.PresencePenalty
		p.Stop = o.persona.Stop
	}

	o.applyOverrides(&p)

	if opts.Model != "" {
		p.Model = opts.Model
	}
	if opts.Temperature != nil {
		p.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		p.MaxTokens = opts.MaxTokens
	}
	if opts.TopP != nil {
		p.TopP = opts.TopP
	}
	if len(opts.Stop) > 0 {
		p.Stop = opts.Stop
	}
	return p
}

// applyOverrides folds string-typed session overrides into the params.
// Unknown keys are ignored here; keys like api_key are consumed by the
// command layer when constructing clients.
func (o *Orchestrator) applyOverrides(p *provider.Params) {
	for key, value := range o.overrides {
		switch key {
		case "model":
			p.Model = value
		case "temperature":
			if f, err := strconv.ParseFloat(value, 32); err == nil {
				t := float32(f)
				p.Temperature = &t
			}
		case "max_tokens":
			if n, err := strconv.Atoi(value); err == nil {
				p.MaxTokens = n
			}
		case "top_p":
			if f, err := strconv.ParseFloat(value, 32); err == nil {
				t := float32(f)
				p.TopP = &t
			}
		case "stop":
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			p.Stop = parts
		}
	}
}
