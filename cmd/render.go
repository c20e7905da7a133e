package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

var (
	thoughtColor = color.New(color.FgHiBlack)
	noticeColor  = color.New(color.FgYellow)
	lineColor    = color.New(color.FgCyan, color.Bold)
	usageColor   = color.New(color.FgCyan)
)

// render writes res to w and returns the usage it reported.
func render(ctx context.Context, w io.Writer, res *types.Result) (*types.Usage, error) {
	switch res.Kind {
	case types.KindFail:
		return nil, res.Err()
	case types.KindSuccess:
		printReply(w, res.Text)
		return res.Usage, nil
	case types.KindMultiline:
		for i, l := range res.Lines {
			lineColor.Fprintf(w, "[%d] ", i+1)
			printReply(w, l.Text)
		}
		return res.Usage, nil
	case types.KindStreaming:
		return renderStream(ctx, w, res.Stream)
	}
	return nil, fmt.Errorf("unexpected result kind %s", res.Kind)
}

func printReply(w io.Writer, text string) {
	thought, rest := stream.SplitThoughts(text)
	if thought != "" {
		thoughtColor.Fprintln(w, strings.TrimSpace(thought))
	}
	fmt.Fprintln(w, rest)
}

// renderStream prints the growth of branch 0. An empty chunk (an overload
// reset) starts a fresh block. The reasoning block that wraps the final
// chunk is printed once, on its own line.
func renderStream(ctx context.Context, w io.Writer, src types.ChunkSource) (*types.Usage, error) {
	defer src.Close()
	var (
		printed      string
		thoughtShown bool
		midLine      bool
	)
	endLine := func() {
		if midLine {
			fmt.Fprintln(w)
			midLine = false
		}
	}
	c := stream.Collect(ctx, src, func(chunk types.StreamChunk) {
		if chunk.IsReset() {
			if printed != "" || thoughtShown {
				endLine()
				noticeColor.Fprintln(w, "[retrying]")
			}
			printed, thoughtShown = "", false
			return
		}
		thought, rest := stream.SplitThoughts(chunk.Primary())
		if thought != "" && !thoughtShown {
			endLine()
			thoughtColor.Fprintln(w, strings.TrimSpace(thought))
			thoughtShown = true
		}
		if !strings.HasPrefix(rest, printed) {
			endLine()
			printed = ""
		}
		if delta := rest[len(printed):]; delta != "" {
			fmt.Fprint(w, delta)
			midLine = true
		}
		printed = rest
	})
	endLine()
	return c.Usage, c.Err
}

func printUsage(w io.Writer, model string, u *types.Usage) {
	if u == nil {
		usageColor.Fprintf(w, "%s: usage not reported\n", model)
		return
	}
	suffix := ""
	if u.Estimated {
		suffix = " (estimated)"
	}
	usageColor.Fprintf(w, "%s: %d prompt + %d completion = %d tokens%s\n",
		model, u.PromptTokens, u.CompletionTokens, u.TotalTokens, suffix)
}
