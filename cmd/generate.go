package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/orchestrator"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

type generateFlags struct {
	model   string
	mode    string
	file    string
	system  string
	stream  bool
	timeout time.Duration
	usage   bool
}

func newGenerateCmd(g *globalFlags) *cobra.Command {
	f := &generateFlags{}
	c := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Dispatch a chat request and print the reply",
		Example: `  chatdispatch generate "Say hello"
  chatdispatch generate --mode translate --file convo.yaml
  cat convo.json | chatdispatch generate --file - --stream`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, g, f, args)
		},
	}
	c.Flags().StringVarP(&f.model, "model", "m", "", "model ID overriding the mode's primary model")
	c.Flags().StringVar(&f.mode, "mode", string(models.ModeModel), "request mode (model, submodel, memory, emotion, otherAx, translate)")
	c.Flags().StringVarP(&f.file, "file", "f", "", "message list as JSON or YAML; - reads stdin")
	c.Flags().StringVarP(&f.system, "system", "s", "", "system prompt prepended to the conversation")
	c.Flags().BoolVar(&f.stream, "stream", false, "stream the reply as it arrives")
	c.Flags().DurationVar(&f.timeout, "timeout", 0, "overall call timeout (0 keeps the configured value)")
	c.Flags().BoolVar(&f.usage, "usage", false, "print token usage after the reply")
	return c
}

func runGenerate(cmd *cobra.Command, g *globalFlags, f *generateFlags, args []string) error {
	mode, err := models.ParseMode(f.mode)
	if err != nil {
		return err
	}
	msgs, err := buildMessages(cmd.InOrStdin(), f, args)
	if err != nil {
		return err
	}

	settings, err := g.loadSettings()
	if err != nil {
		return err
	}
	if f.timeout > 0 {
		settings.Timeout = f.timeout
	}
	reg, err := newRegistry(settings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := orchestrator.New(config.NewStore(settings), reg, orchestrator.Options{})
	req := orchestrator.Args{Messages: msgs, Model: f.model}
	if cmd.Flags().Changed("stream") {
		req.Stream = &f.stream
	}

	res := o.RequestChatData(ctx, req, mode)
	usage, err := render(ctx, cmd.OutOrStdout(), res)
	if err != nil {
		return err
	}
	if f.usage {
		printUsage(cmd.ErrOrStderr(), res.Model, usage)
	}
	return nil
}

// buildMessages assembles the conversation from --file, the positional
// prompt and --system, in that order.
func buildMessages(stdin io.Reader, f *generateFlags, args []string) ([]types.Message, error) {
	var msgs []types.Message
	if f.file != "" {
		loaded, err := loadMessages(stdin, f.file)
		if err != nil {
			return nil, err
		}
		msgs = loaded
	}
	if prompt := strings.TrimSpace(strings.Join(args, " ")); prompt != "" {
		msgs = append(msgs, types.Message{Role: types.RoleUser, Content: prompt})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages: pass a prompt or --file")
	}
	if f.system != "" {
		msgs = append([]types.Message{{Role: types.RoleSystem, Content: f.system}}, msgs...)
	}
	return msgs, nil
}

// messageFile is the document form of a message list.
type messageFile struct {
	Messages []types.Message `yaml:"messages"`
}

// loadMessages reads a message list from path. Both a bare list and a
// document with a messages key are accepted; JSON parses as YAML.
func loadMessages(stdin io.Reader, path string) ([]types.Message, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	var list []types.Message
	if err := yaml.Unmarshal(data, &list); err == nil {
		return validateMessages(list)
	}
	var doc messageFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse messages %s: %w", path, err)
	}
	return validateMessages(doc.Messages)
}

func validateMessages(msgs []types.Message) ([]types.Message, error) {
	for i, m := range msgs {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant, types.RoleFunction, types.RoleTool:
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return msgs, nil
}
