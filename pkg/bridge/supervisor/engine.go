// Package supervisor runs the deeper reasoning pass behind the escalation
// tool: a chat-completions loop over a stronger model with web search and
// page fetch available as tools.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/adamd9/delegate1/pkg/bridge/tools"
	"github.com/adamd9/delegate1/pkg/bridge/tools/adapters/tavily"
	"github.com/adamd9/delegate1/pkg/core"
)

const (
	webSearchToolName = "web_search"
	webFetchToolName  = "web_fetch"

	// maxToolRounds bounds the research loop. The loop normally ends when
	// the model answers without calling a tool.
	maxToolRounds = 8
)

const systemPrompt = "You are a supervisor model assisting a fast realtime assistant. " +
	"You receive an escalated question together with conversation context. " +
	"Use web_search and web_fetch when current facts are needed. " +
	"Reply with the final answer text only; it is relayed to the user verbatim."

// Searcher is the web research surface. *tavily.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts tavily.SearchOpts) ([]tavily.SearchHit, error)
	Fetch(ctx context.Context, url string) (*tavily.FetchResult, error)
}

// Config tunes the engine.
type Config struct {
	APIKey  string
	BaseURL string // optional override, used by tests
	Model   string
	Timeout time.Duration
}

// Engine implements tools.Escalator.
type Engine struct {
	client   openai.Client
	model    string
	timeout  time.Duration
	searcher Searcher
	crumbs   BreadcrumbWriter
	logger   *slog.Logger
}

func NewEngine(cfg Config, searcher Searcher, crumbs BreadcrumbWriter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if crumbs == nil {
		crumbs = NopBreadcrumbs{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	// Retry policy belongs to the escalation caller, which already runs
	// under a deadline and reports rate limits to the user.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Engine{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		searcher: searcher,
		crumbs:   crumbs,
		logger:   logger,
	}
}

// Escalate answers one escalated question. The whole pass, tool rounds
// included, runs under a single deadline.
func (e *Engine) Escalate(ctx context.Context, req tools.EscalationRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.crumbs.Write(Crumb{
		ConversationID: req.ConversationID,
		Stage:          "escalation.start",
		Detail: map[string]any{
			"reasoning_type": req.ReasoningType,
			"target_hint":    req.TargetHint,
		},
	})

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(e.userPrompt(req)),
	}

	for round := 0; round < maxToolRounds; round++ {
		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(e.model),
			Messages: messages,
		}
		if e.searcher != nil {
			params.Tools = e.toolDefs()
		}

		resp, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			classified := core.Classify(err)
			e.crumbs.Write(Crumb{
				ConversationID: req.ConversationID,
				Stage:          "escalation.error",
				Detail:         map[string]any{"error": classified.Message, "type": string(classified.Type)},
			})
			return "", classified
		}
		if len(resp.Choices) == 0 {
			return "", core.NewAPIError("supervisor response had no choices")
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			answer := strings.TrimSpace(msg.Content)
			if answer == "" {
				return "", core.NewAPIError("supervisor returned an empty answer")
			}
			e.crumbs.Write(Crumb{
				ConversationID: req.ConversationID,
				Stage:          "escalation.done",
				Detail:         map[string]any{"rounds": round},
			})
			return answer, nil
		}

		messages = append(messages, msg.ToParam())
		for _, tc := range msg.ToolCalls {
			result := e.runTool(ctx, req.ConversationID, tc.Function.Name, tc.Function.Arguments)
			messages = append(messages, openai.ToolMessage(result, tc.ID))
		}
	}

	e.crumbs.Write(Crumb{
		ConversationID: req.ConversationID,
		Stage:          "escalation.exhausted",
		Detail:         map[string]any{"rounds": maxToolRounds},
	})
	return "", core.NewAPIError("supervisor exceeded its research budget without answering")
}

func (e *Engine) userPrompt(req tools.EscalationRequest) string {
	var b strings.Builder
	if req.ReasoningType != "" {
		fmt.Fprintf(&b, "Reasoning type: %s\n", req.ReasoningType)
	}
	if req.TargetHint != "" {
		fmt.Fprintf(&b, "Likely source: %s\n", req.TargetHint)
	}
	b.WriteString(req.Context)
	return b.String()
}

func (e *Engine) toolDefs() []openai.ChatCompletionToolUnionParam {
	return []openai.ChatCompletionToolUnionParam{
		openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        webSearchToolName,
			Description: openai.String("Search the web. Returns titles, URLs and snippets."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string"},
					"max_results": map[string]any{"type": "integer"},
				},
				"required": []string{"query"},
			},
		}),
		openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        webFetchToolName,
			Description: openai.String("Fetch one web page as markdown."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []string{"url"},
			},
		}),
	}
}

// runTool executes one research tool call. Failures come back as text so the
// model can route around them.
func (e *Engine) runTool(ctx context.Context, conversationID, name, rawArgs string) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Sprintf("TOOL_ERROR: malformed arguments for %s", name)
	}

	e.crumbs.Write(Crumb{
		ConversationID: conversationID,
		Stage:          "escalation.tool",
		Detail:         map[string]any{"tool": name, "arguments": args},
	})

	switch name {
	case webSearchToolName:
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "TOOL_ERROR: web_search requires a query"
		}
		opts := tavily.SearchOpts{}
		if n, ok := args["max_results"].(float64); ok {
			opts.MaxResults = int(n)
		}
		hits, err := e.searcher.Search(ctx, query, opts)
		if err != nil {
			e.logger.Warn("web search failed", "conversation_id", conversationID, "error", err)
			return fmt.Sprintf("TOOL_ERROR: search failed: %v", err)
		}
		return formatHits(hits)

	case webFetchToolName:
		url, _ := args["url"].(string)
		if strings.TrimSpace(url) == "" {
			return "TOOL_ERROR: web_fetch requires a url"
		}
		page, err := e.searcher.Fetch(ctx, url)
		if err != nil {
			e.logger.Warn("web fetch failed", "conversation_id", conversationID, "url", url, "error", err)
			return fmt.Sprintf("TOOL_ERROR: fetch failed: %v", err)
		}
		return page.Content

	default:
		return fmt.Sprintf("TOOL_ERROR: unknown tool %s", name)
	}
}

func formatHits(hits []tavily.SearchHit) string {
	if len(hits) == 0 {
		return "No results."
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, h.Title, h.URL, h.Snippet)
	}
	return strings.TrimSpace(b.String())
}
