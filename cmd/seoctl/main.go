// Command seoctl talks to the LLM proxy from a terminal. It reads SEO_PROXY_URL,
// SEO_SESSION_TOKEN and the usual provider key variables (OPENAI_API_KEY, ...).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/felipepmaragno/seo-llm-proxy/internal/client"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

const usage = `usage: seoctl <command> [flags]

commands:
  complete  [-model M | -task T] [-stream] [-system S] PROMPT
  embed     [-model M] TEXT...
  template  ID key=value...
  quota
`

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if client.IsQuotaExceeded(err) {
			slog.Error("monthly token quota used up, upgrade your plan or wait for next month")
		} else {
			slog.Error("command failed", "command", os.Args[1], "error", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	tier := fs.String("tier", "free", "tier used for local model selection")
	hosting := fs.String("hosting", "", "preferred hosting: cloud or local")
	baseURL := fs.String("base-url", os.Getenv("SEO_BASE_URL"), "endpoint for ollama or custom providers")

	switch cmd {
	case "complete":
		model := fs.String("model", "", "model id")
		task := fs.String("task", "", "task used to pick a model when -model is empty")
		system := fs.String("system", "", "system prompt")
		streaming := fs.Bool("stream", false, "print tokens as they arrive")
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, err := newClient(*tier, *hosting, *baseURL)
		if err != nil {
			return err
		}
		req := client.Request{Model: *model, Task: domain.Task(*task)}
		if *system != "" {
			req.Messages = append(req.Messages, domain.Message{Role: "system", Content: *system})
		}
		req.Messages = append(req.Messages, domain.Message{Role: "user", Content: strings.Join(fs.Args(), " ")})
		if *streaming {
			return streamCompletion(ctx, c, req, out)
		}
		resp, err := c.Complete(ctx, req)
		if err != nil {
			return err
		}
		return printCompletion(out, resp)

	case "embed":
		model := fs.String("model", "", "embedding model id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, err := newClient(*tier, *hosting, *baseURL)
		if err != nil {
			return err
		}
		resp, err := c.Embed(ctx, *model, fs.Args())
		if err != nil {
			return err
		}
		return printJSON(out, resp)

	case "template":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return errors.New("template id is required")
		}
		vars, err := parseVars(fs.Args()[1:])
		if err != nil {
			return err
		}
		c, err := newClient(*tier, *hosting, *baseURL)
		if err != nil {
			return err
		}
		resp, err := c.CompleteTemplate(ctx, fs.Arg(0), vars)
		if err != nil {
			return err
		}
		return printCompletion(out, resp)

	case "quota":
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, err := newClient(*tier, *hosting, *baseURL)
		if err != nil {
			return err
		}
		status, err := c.Quota(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, status)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func newClient(tier, hosting, baseURL string) (*client.Client, error) {
	keys := make(map[domain.Provider]string)
	for _, p := range []domain.Provider{
		domain.ProviderOpenAI,
		domain.ProviderAnthropic,
		domain.ProviderMistral,
		domain.ProviderTogether,
		domain.ProviderOpenRouter,
		domain.ProviderLlama,
		domain.ProviderCohere,
	} {
		if key := os.Getenv(provider.KeyEnvName(p)); key != "" {
			keys[p] = key
		}
	}

	t := domain.Tier(tier)
	if !t.Valid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	return client.New(client.Config{
		ProxyURL:         os.Getenv("SEO_PROXY_URL"),
		SessionToken:     os.Getenv("SEO_SESSION_TOKEN"),
		APIKeys:          keys,
		BaseURL:          baseURL,
		Tier:             t,
		PreferredHosting: domain.Hosting(hosting),
	})
}

func streamCompletion(ctx context.Context, c *client.Client, req client.Request, out io.Writer) error {
	err := c.Stream(ctx, req, func(chunk domain.StreamChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Delta != nil {
				if _, err := io.WriteString(out, choice.Delta.Content); err != nil {
					return err
				}
			}
		}
		return nil
	})
	fmt.Fprintln(out)
	return err
}

func printCompletion(out io.Writer, resp *domain.ChatResponse) error {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return errors.New("empty completion")
	}
	fmt.Fprintln(out, resp.Choices[0].Message.Content)
	slog.Info("usage", "model", resp.Model, "total_tokens", resp.Usage.TotalTokens)
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseVars turns key=value arguments into template variables.
func parseVars(args []string) (map[string]string, error) {
	vars := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("template variable %q: want key=value", arg)
		}
		vars[k] = v
	}
	return vars, nil
}
