package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ashureev/confchat/internal/chat"
	"github.com/ashureev/confchat/internal/fallback"
)

// asker is the part of fallback.Client used by the ask command.
type asker interface {
	Ask(ctx context.Context, req fallback.Request) (fallback.Result, error)
	Stream(ctx context.Context, req fallback.Request, onChunk func(string)) (string, error)
}

func runAsk(ctx context.Context, client asker, req fallback.Request, stream bool, siteURL, locale string, out io.Writer) error {
	if stream {
		_, err := client.Stream(ctx, req, func(chunk string) {
			fmt.Fprint(out, chunk)
		})
		fmt.Fprintln(out)
		return err
	}

	res, err := client.Ask(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Message)
	switch res.Type {
	case fallback.TypeNavigation:
		target, err := chat.NavigationURL(siteURL, locale, res.Path)
		if err != nil {
			return fmt.Errorf("navigation target %q: %w", res.Path, err)
		}
		fmt.Fprintf(out, "[open] %s\n", target)
	case fallback.TypeChart:
		fmt.Fprintf(out, "[chart] %d bytes of chart data\n", len(res.Data))
	}
	return nil
}
